// Package broker implements the Broker Adapter component:
// topic grammar parsing/composition and the NATS-backed publish/subscribe
// contract. Grounded in go-core/natsclient (JetStream client wrapper,
// ProvisionStreams) and its consumer pull-subscription pattern.
package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/zw834675966/ems/internal/config"
)

// ErrBadTopic is returned when a topic does not match the configured arity
// for its kind. Callers must drop + count, never panic.
var ErrBadTopic = fmt.Errorf("broker: topic does not match configured arity")

// Topics builds and parses subjects per the configured topic grammar.
type Topics struct {
	cfg config.BrokerConfig
}

func NewTopics(cfg config.BrokerConfig) Topics { return Topics{cfg: cfg} }

func (t Topics) dataSubjectFilter() string {
	return fmt.Sprintf("%s.%s.>", t.cfg.TopicPrefix, t.cfg.DataPrefix)
}

func (t Topics) receiptSubjectFilter() string {
	return fmt.Sprintf("%s.%s.>", t.cfg.TopicPrefix, t.cfg.ReceiptPrefix)
}

func (t Topics) commandSubject(tenant, project, target, commandID string) string {
	if t.cfg.CmdIncludeTarget {
		return fmt.Sprintf("%s.%s.%s.%s.%s.%s", t.cfg.TopicPrefix, t.cfg.CmdPrefix, tenant, project, target, commandID)
	}
	return fmt.Sprintf("%s.%s.%s.%s.%s", t.cfg.TopicPrefix, t.cfg.CmdPrefix, tenant, project, commandID)
}

// ParsedData is a parsed data-ingest topic.
type ParsedData struct {
	Tenant, Project, SourceID, Address string
}

// ParseData parses "{prefix}/{data_prefix}/{tenant}/{project}/{address...}"
// or, with DataIncludeSourceID, ".../{project}/{source_id}/{address...}".
// Segments are NATS-subject-delimited by '.'; the subject is parsed as
// received, and an MQTT-shaped '/'-delimited topic must first be converted
// with NormalizeSubject. The address segments are re-joined with '/'.
func (t Topics) ParseData(subject string) (ParsedData, error) {
	segs := strings.Split(subject, ".")
	// prefix, data_prefix, tenant, project, [source_id], address...(>=1)
	minLen := 5
	if t.cfg.DataIncludeSourceID {
		minLen = 6
	}
	if len(segs) < minLen {
		return ParsedData{}, ErrBadTopic
	}
	if segs[0] != t.cfg.TopicPrefix || segs[1] != t.cfg.DataPrefix {
		return ParsedData{}, ErrBadTopic
	}
	tenant, project := segs[2], segs[3]
	var sourceID string
	var addrSegs []string
	if t.cfg.DataIncludeSourceID {
		sourceID = segs[4]
		addrSegs = segs[5:]
	} else {
		addrSegs = segs[4:]
	}
	if tenant == "" || project == "" || len(addrSegs) == 0 {
		return ParsedData{}, ErrBadTopic
	}
	return ParsedData{Tenant: tenant, Project: project, SourceID: sourceID, Address: strings.Join(addrSegs, "/")}, nil
}

// ParseReceipt extracts (tenant, project, command_id) from a receipt topic.
// Extra intermediate segments are ignored; the LAST segment is always the
// command id.
func (t Topics) ParseReceipt(subject string) (tenant, project, commandID string, err error) {
	segs := strings.Split(subject, ".")
	// prefix, receipt_prefix, tenant, project, [extra...], command_id
	if len(segs) < 5 {
		return "", "", "", ErrBadTopic
	}
	if segs[0] != t.cfg.TopicPrefix || segs[1] != t.cfg.ReceiptPrefix {
		return "", "", "", ErrBadTopic
	}
	tenant, project = segs[2], segs[3]
	commandID = segs[len(segs)-1]
	if tenant == "" || project == "" || commandID == "" {
		return "", "", "", ErrBadTopic
	}
	return tenant, project, commandID, nil
}

// NormalizeSubject converts an MQTT-shaped "/"-delimited topic into a
// NATS-shaped "."-delimited subject, since '/' is not a NATS token
// separator. The external wire format is documented with "/" for
// bit-exact compatibility with non-NATS deployments; internally this
// repository runs on NATS subjects.
func NormalizeSubject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// nowMs is overridable in tests.
var nowMs = func() int64 { return time.Now().UnixMilli() }
