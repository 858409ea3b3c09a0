// Package broker is a thin, typed facade over a Kafka-compatible
// broker's SCRAM credential admin RPCs (KIP-554): describe, alter
// (batched upsert/delete), and the single-principal conveniences built
// on top of alter.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/scram"
)

// MaxAlterBatchSize is the largest number of upsertions or deletions
// submitted in a single AlterUserSCRAMCredentials request; larger plans
// are split into batches by the caller (see pkg/reconcile), which
// submits them concurrently.
const MaxAlterBatchSize = 100

// Config controls how the client connects to the broker cluster.
type Config struct {
	Bootstrap         []string
	SASLMechanism     string
	SASLUsername      string
	SASLPassword      string
	RequestTimeout    time.Duration
	DefaultAPITimeout time.Duration
}

// DefaultConfig returns broker client defaults matching spec's 30s
// request / 60s default-API timeouts.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    30 * time.Second,
		DefaultAPITimeout: 60 * time.Second,
	}
}

// Client is a typed facade over the broker's SCRAM admin RPCs.
type Client struct {
	kafka   *kgo.Client
	timeout time.Duration
}

// NewClient dials the broker cluster described by cfg.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Bootstrap) == 0 {
		return nil, fmt.Errorf("broker: at least one bootstrap address is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Bootstrap...),
	}
	if cfg.SASLUsername != "" {
		opts = append(opts, saslOpt(cfg))
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultConfig().RequestTimeout
	}

	kafka, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}

	return &Client{kafka: kafka, timeout: timeout}, nil
}

// Close releases the underlying broker connection. The plug-in's
// Broker SCRAM Client handle requires its host to call this explicitly
// on shutdown (see pkg/plugin).
func (c *Client) Close() {
	c.kafka.Close()
}

// PrincipalCredentials maps a principal name to the SCRAM mechanisms it
// currently has a credential for.
type PrincipalCredentials map[string][]scram.Mechanism

// DescribeAll enumerates every SCRAM principal known to the broker.
func (c *Client) DescribeAll(ctx context.Context) (PrincipalCredentials, error) {
	return c.describe(ctx, nil)
}

// Describe enumerates SCRAM credentials scoped to principals.
func (c *Client) Describe(ctx context.Context, principals []string) (PrincipalCredentials, error) {
	return c.describe(ctx, principals)
}

func (c *Client) describe(ctx context.Context, principals []string) (PrincipalCredentials, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := kmsg.NewPtrDescribeUserSCRAMCredentialsRequest()
	for _, p := range principals {
		req.Users = append(req.Users, kmsg.DescribeUserSCRAMCredentialsRequestUser{Name: p})
	}

	kresp, err := req.RequestWith(ctx, c.kafka)
	if err != nil {
		return nil, Classify(err)
	}

	if kresp.ErrorCode != 0 {
		return nil, classifyErrorCode(kresp.ErrorCode)
	}

	out := make(PrincipalCredentials, len(kresp.Results))
	for _, res := range kresp.Results {
		if res.ErrorCode != 0 {
			return nil, classifyErrorCode(res.ErrorCode)
		}
		mechs := make([]scram.Mechanism, 0, len(res.CredentialInfos))
		for _, info := range res.CredentialInfos {
			mechs = append(mechs, scram.Mechanism(info.Mechanism))
		}
		out[res.User] = mechs
	}
	return out, nil
}

// Upsertion describes one principal's SCRAM credential to create or
// replace.
type Upsertion struct {
	Principal string
	Verifier  *scram.Verifier
}

// Deletion describes one principal/mechanism SCRAM credential to
// remove.
type Deletion struct {
	Principal string
	Mechanism scram.Mechanism
}

// AlterResults maps each altered principal to the error encountered
// applying its change, or nil on success. The caller MUST inspect every
// entry; Alter never swallows a per-principal failure.
type AlterResults map[string]error

// Alter submits a single batched AlterUserScramCredentials request
// covering all given upsertions and deletions, and returns the
// per-principal result map. len(upsertions)+len(deletions) MUST NOT
// exceed MaxAlterBatchSize; splitting larger plans into batches is the
// caller's responsibility (see pkg/reconcile).
func (c *Client) Alter(ctx context.Context, upsertions []Upsertion, deletions []Deletion) (AlterResults, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := kmsg.NewPtrAlterUserSCRAMCredentialsRequest()
	for _, d := range deletions {
		req.Deletions = append(req.Deletions, kmsg.AlterUserSCRAMCredentialsRequestDeletion{
			Name:      d.Principal,
			Mechanism: int8(d.Mechanism),
		})
	}
	for _, u := range upsertions {
		req.Upsertions = append(req.Upsertions, kmsg.AlterUserSCRAMCredentialsRequestUpsertion{
			Name:           u.Principal,
			Mechanism:      int8(u.Verifier.Mechanism),
			Iterations:     u.Verifier.Iterations,
			Salt:           u.Verifier.Salt,
			SaltedPassword: u.Verifier.SaltedPassword,
		})
	}

	kresp, err := req.RequestWith(ctx, c.kafka)
	if err != nil {
		return nil, Classify(err)
	}

	results := make(AlterResults, len(kresp.Results))
	for _, res := range kresp.Results {
		if res.ErrorCode == 0 {
			results[res.User] = nil
			continue
		}
		results[res.User] = classifyErrorCode(res.ErrorCode)
	}
	return results, nil
}

// Upsert is a single-principal convenience built on Alter.
func (c *Client) Upsert(ctx context.Context, principal string, verifier *scram.Verifier) error {
	results, err := c.Alter(ctx, []Upsertion{{Principal: principal, Verifier: verifier}}, nil)
	if err != nil {
		return err
	}
	return results[principal]
}

// Delete is a single-principal convenience built on Alter.
func (c *Client) Delete(ctx context.Context, principal string, mechanism scram.Mechanism) error {
	results, err := c.Alter(ctx, nil, []Deletion{{Principal: principal, Mechanism: mechanism}})
	if err != nil {
		return err
	}
	return results[principal]
}

// TransientError marks a failure worth retrying: a dial failure, call
// timeout, or other transport-level error.
type TransientError struct{ Cause error }

func (e *TransientError) Error() string { return fmt.Sprintf("broker transient error: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// FatalError marks a failure that MUST NOT be retried: an unsupported
// API version, or an equivalent permanent rejection from the broker.
type FatalError struct{ Cause error }

func (e *FatalError) Error() string { return fmt.Sprintf("broker fatal error: %v", e.Cause) }
func (e *FatalError) Unwrap() error { return e.Cause }

// UnknownError wraps any broker failure not recognized as transient or
// fatal.
type UnknownError struct{ Cause error }

func (e *UnknownError) Error() string { return fmt.Sprintf("broker error: %v", e.Cause) }
func (e *UnknownError) Unwrap() error { return e.Cause }

// Classify maps a transport-level error from a broker RPC into the
// client's TransientError/FatalError/UnknownError taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Cause: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Cause: err}
	}
	return &UnknownError{Cause: err}
}

func classifyErrorCode(code int16) error {
	cause := kerr.ErrorForCode(code)
	if errors.Is(cause, kerr.UnsupportedVersion) {
		return &FatalError{Cause: cause}
	}
	if errors.Is(cause, kerr.RequestTimedOut) {
		return &TransientError{Cause: cause}
	}
	return &UnknownError{Cause: cause}
}

func saslOpt(cfg Config) kgo.Opt {
	return kgo.SASL(newSASL(cfg))
}
