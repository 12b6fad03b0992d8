// Package anchor publishes a ledger's current head (its last entry's
// causal-chaining hash and sequence number) to an external object store,
// so a ledger's integrity can be spot-checked without shipping the whole
// file.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/guardclaw/gef/pkg/envelope"
)

// Head is the payload published to the object store.
type Head struct {
	AgentID    string `json:"agent_id"`
	Sequence   int64  `json:"sequence"`
	CausalHash string `json:"causal_hash"`
	RecordID   string `json:"record_id"`
	PublishedAt string `json:"published_at"`
}

// Config configures the S3-backed publisher.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack-style deployments
	Prefix   string
}

// Publisher publishes ledger heads to S3.
type Publisher struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewPublisher builds a Publisher from cfg.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("anchor: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Publisher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Publish writes env's head as a JSON object keyed by agent id, so the
// most recent publish for an agent always overwrites the prior one.
func (p *Publisher) Publish(ctx context.Context, env *envelope.Envelope, now string) error {
	head := Head{
		AgentID:     env.AgentID,
		Sequence:    env.Sequence,
		CausalHash:  env.CausalHash,
		RecordID:    env.RecordID,
		PublishedAt: now,
	}
	body, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("anchor: marshaling head: %w", err)
	}

	key := p.key(env.AgentID)
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("anchor: s3 put: %w", err)
	}
	return nil
}

// FetchHead retrieves the most recently published head for agentID.
func (p *Publisher) FetchHead(ctx context.Context, agentID string) (*Head, error) {
	key := p.key(agentID)
	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("anchor: s3 get: %w", err)
	}
	defer result.Body.Close()

	var head Head
	if err := json.NewDecoder(result.Body).Decode(&head); err != nil {
		return nil, fmt.Errorf("anchor: decoding head: %w", err)
	}
	return &head, nil
}

func (p *Publisher) key(agentID string) string {
	return fmt.Sprintf("%shead-%s.json", p.prefix, agentID)
}

// Verify reports whether env's head matches the most recently published
// head for its agent. A mismatch means the external anchor and the local
// ledger have diverged.
func (p *Publisher) Verify(ctx context.Context, env *envelope.Envelope) (bool, error) {
	published, err := p.FetchHead(ctx, env.AgentID)
	if err != nil {
		return false, err
	}
	return published.Sequence == env.Sequence && published.CausalHash == env.CausalHash, nil
}
