package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRun_NoArgsPrintsUsageAndExits2(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"gef"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "USAGE") {
		t.Errorf("stderr missing usage: %q", errOut.String())
	}
}

func TestRun_UnknownCommandExits2(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"gef", "bogus"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRun_VersionPrintsGefVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"gef", "version"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.HasPrefix(out.String(), "gef_version ") {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestRun_HelpExitsZero(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"gef", "help"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "USAGE") {
		t.Errorf("stdout missing usage: %q", out.String())
	}
}
