package broker

import (
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// newSASL builds the client's own SASL mechanism for authenticating to
// the broker (distinct from pkg/scram, which generates the verifiers
// the broker stores for other principals).
func newSASL(cfg Config) sasl.Mechanism {
	auth := scram.Auth{
		User: cfg.SASLUsername,
		Pass: cfg.SASLPassword,
	}
	if cfg.SASLMechanism == "SCRAM-SHA-512" {
		return auth.AsSha512Mechanism()
	}
	return auth.AsSha256Mechanism()
}
