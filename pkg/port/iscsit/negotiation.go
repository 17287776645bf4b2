/*
Copyright 2017 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package iscsit

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gostor/goiscsi/pkg/util"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	KeyHeaderDigest             = "HeaderDigest"
	KeyDataDigest               = "DataDigest"
	KeyMaxConnections           = "MaxConnections"
	KeySendTargets              = "SendTargets"
	KeyTargetName               = "TargetName"
	KeyInitiatorName            = "InitiatorName"
	KeyTargetAlias              = "TargetAlias"
	KeyInitiatorAlias           = "InitiatorAlias"
	KeyTargetAddress            = "TargetAddress"
	KeyTargetPortalGroupTag     = "TargetPortalGroupTag"
	KeyInitialR2T               = "InitialR2T"
	KeyImmediateData            = "ImmediateData"
	KeyMaxRecvDataSegmentLength = "MaxRecvDataSegmentLength"
	KeyMaxBurstLength           = "MaxBurstLength"
	KeyFirstBurstLength         = "FirstBurstLength"
	KeyDefaultTime2Wait         = "DefaultTime2Wait"
	KeyDefaultTime2Retain       = "DefaultTime2Retain"
	KeyMaxOutstandingR2T        = "MaxOutstandingR2T"
	KeyDataPDUInOrder           = "DataPDUInOrder"
	KeyDataSequenceInOrder      = "DataSequenceInOrder"
	KeyErrorRecoveryLevel       = "ErrorRecoveryLevel"
	KeySessionType              = "SessionType"
	KeyAuthMethod               = "AuthMethod"
	KeyIFMarker                 = "IFMarker"
	KeyOFMarker                 = "OFMarker"
)

// Special answers, rfc7143 6.2
const (
	ValueNotUnderstood = "NotUnderstood"
	ValueIrrelevant    = "Irrelevant"
	ValueReject        = "Reject"
	ValueYes           = "Yes"
	ValueNo            = "No"
	ValueNone          = "None"
	ValueCRC32C        = "CRC32C"
)

type KeyPolicy int

const (
	// PolicyMin picks the smaller of offer and local value.
	PolicyMin KeyPolicy = iota + 1
	// PolicyMax picks the larger of offer and local value.
	PolicyMax
	PolicyAnd
	PolicyOr
	// PolicyChoice picks the first offered value the target supports.
	PolicyChoice
	// PolicyDeclarative records the offer and answers with the local value, if any.
	PolicyDeclarative
)

var keyPolicyNames = map[string]KeyPolicy{
	"min":         PolicyMin,
	"max":         PolicyMax,
	"and":         PolicyAnd,
	"or":          PolicyOr,
	"choice":      PolicyChoice,
	"declarative": PolicyDeclarative,
}

func (p KeyPolicy) String() string {
	for name, v := range keyPolicyNames {
		if v == p {
			return name
		}
	}
	return "unknown"
}

type KeyPhase int

const (
	// PhaseAny keys may be renegotiated in full feature phase.
	PhaseAny KeyPhase = iota
	// PhaseLogin keys are only valid during login.
	PhaseLogin
	// PhaseLeading keys are only valid on the leading login of a session.
	PhaseLeading
	// PhaseSecurity keys are only valid in the security negotiation stage.
	PhaseSecurity
)

// NegotiationKey describes how a single text key is negotiated.
type NegotiationKey struct {
	Name    string
	Policy  KeyPolicy
	Phase   KeyPhase
	Default string
	// Local is the target's own value: the upper bound for PolicyMin,
	// the supported list for PolicyChoice, the declared value for PolicyDeclarative.
	Local    string
	Min, Max uint64
	// Choices restricts declarative values.
	Choices []string
	// NormalOnly keys are Irrelevant in discovery sessions.
	NormalOnly bool
}

func (k *NegotiationKey) numeric() bool {
	return k.Max > 0
}

// KeyTable is the set of keys the target understands.
type KeyTable map[string]*NegotiationKey

// DefaultKeyTable returns the rfc7143 key set with its default values.
func DefaultKeyTable() KeyTable {
	keys := []*NegotiationKey{
		{Name: KeyAuthMethod, Policy: PolicyChoice, Phase: PhaseSecurity, Default: ValueNone, Local: ValueNone},
		{Name: KeyHeaderDigest, Policy: PolicyChoice, Phase: PhaseLogin, Default: ValueNone, Local: ValueNone},
		{Name: KeyDataDigest, Policy: PolicyChoice, Phase: PhaseLogin, Default: ValueNone, Local: ValueNone},
		{Name: KeyMaxConnections, Policy: PolicyMin, Phase: PhaseLeading, Default: "1", Local: "8", Min: 1, Max: 65535, NormalOnly: true},
		{Name: KeyTargetName, Policy: PolicyDeclarative, Phase: PhaseLogin},
		{Name: KeyInitiatorName, Policy: PolicyDeclarative, Phase: PhaseLogin},
		{Name: KeyInitiatorAlias, Policy: PolicyDeclarative, Phase: PhaseAny},
		{Name: KeySessionType, Policy: PolicyDeclarative, Phase: PhaseLeading, Default: "Normal", Choices: []string{"Normal", "Discovery"}},
		{Name: KeyInitialR2T, Policy: PolicyOr, Phase: PhaseLeading, Default: ValueYes, Local: ValueYes, NormalOnly: true},
		{Name: KeyImmediateData, Policy: PolicyAnd, Phase: PhaseLeading, Default: ValueYes, Local: ValueYes, NormalOnly: true},
		{Name: KeyMaxRecvDataSegmentLength, Policy: PolicyDeclarative, Phase: PhaseAny, Default: "8192", Local: "8192", Min: 512, Max: 16777215},
		{Name: KeyMaxBurstLength, Policy: PolicyMin, Phase: PhaseLeading, Default: "262144", Local: "262144", Min: 512, Max: 16777215, NormalOnly: true},
		{Name: KeyFirstBurstLength, Policy: PolicyMin, Phase: PhaseLeading, Default: "65536", Local: "65536", Min: 512, Max: 16777215, NormalOnly: true},
		{Name: KeyDefaultTime2Wait, Policy: PolicyMax, Phase: PhaseLeading, Default: "2", Local: "2", Min: 0, Max: 3600},
		{Name: KeyDefaultTime2Retain, Policy: PolicyMin, Phase: PhaseLeading, Default: "20", Local: "20", Min: 0, Max: 3600},
		{Name: KeyMaxOutstandingR2T, Policy: PolicyMin, Phase: PhaseLeading, Default: "1", Local: "1", Min: 1, Max: 65535, NormalOnly: true},
		{Name: KeyDataPDUInOrder, Policy: PolicyOr, Phase: PhaseLeading, Default: ValueYes, Local: ValueYes, NormalOnly: true},
		{Name: KeyDataSequenceInOrder, Policy: PolicyOr, Phase: PhaseLeading, Default: ValueYes, Local: ValueYes, NormalOnly: true},
		{Name: KeyErrorRecoveryLevel, Policy: PolicyMin, Phase: PhaseLeading, Default: "0", Local: "2", Min: 0, Max: 2},
		{Name: KeyIFMarker, Policy: PolicyAnd, Phase: PhaseLogin, Default: ValueNo, Local: ValueNo},
		{Name: KeyOFMarker, Policy: PolicyAnd, Phase: PhaseLogin, Default: ValueNo, Local: ValueNo},
	}
	t := make(KeyTable, len(keys))
	for _, k := range keys {
		t[k.Name] = k
	}
	return t
}

// Clone returns a deep copy so per-target overrides never leak.
func (t KeyTable) Clone() KeyTable {
	c := make(KeyTable, len(t))
	for name, k := range t {
		nk := *k
		nk.Choices = append([]string(nil), k.Choices...)
		c[name] = &nk
	}
	return c
}

// Override replaces the local value of a key after validating it.
func (t KeyTable) Override(name, local string) error {
	k, ok := t[name]
	if !ok {
		return fmt.Errorf("unknown negotiation key %q", name)
	}
	switch k.Policy {
	case PolicyMin, PolicyMax:
		v, err := strconv.ParseUint(local, 10, 64)
		if err != nil || v < k.Min || v > k.Max {
			return fmt.Errorf("bad parameter %s=%s: want %d..%d", name, local, k.Min, k.Max)
		}
	case PolicyAnd, PolicyOr:
		if _, err := parseBool(local); err != nil {
			return fmt.Errorf("bad parameter %s=%s: %v", name, local, err)
		}
	case PolicyDeclarative:
		if k.numeric() {
			v, err := strconv.ParseUint(local, 10, 64)
			if err != nil || v < k.Min || v > k.Max {
				return fmt.Errorf("bad parameter %s=%s: want %d..%d", name, local, k.Min, k.Max)
			}
		}
	}
	k.Local = local
	return nil
}

type keyTableEntry struct {
	Name       string   `yaml:"name"`
	Policy     string   `yaml:"policy"`
	Phase      string   `yaml:"phase"`
	Default    string   `yaml:"default"`
	Local      string   `yaml:"local"`
	Min        uint64   `yaml:"min"`
	Max        uint64   `yaml:"max"`
	Choices    []string `yaml:"choices"`
	NormalOnly bool     `yaml:"normal_only"`
}

var keyPhaseNames = map[string]KeyPhase{
	"":         PhaseAny,
	"any":      PhaseAny,
	"login":    PhaseLogin,
	"leading":  PhaseLeading,
	"security": PhaseSecurity,
}

// LoadKeyTable reads YAML key definitions and merges them over base.
// Entries naming an existing key replace it entirely.
func LoadKeyTable(r io.Reader, base KeyTable) (KeyTable, error) {
	var entries []keyTableEntry
	if err := yaml.NewDecoder(r).Decode(&entries); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode key table: %w", err)
	}
	t := base.Clone()
	for _, e := range entries {
		policy, ok := keyPolicyNames[strings.ToLower(e.Policy)]
		if !ok {
			return nil, fmt.Errorf("key %s: unknown policy %q", e.Name, e.Policy)
		}
		phase, ok := keyPhaseNames[strings.ToLower(e.Phase)]
		if !ok {
			return nil, fmt.Errorf("key %s: unknown phase %q", e.Name, e.Phase)
		}
		if e.Name == "" {
			return nil, errors.New("key table entry without name")
		}
		t[e.Name] = &NegotiationKey{
			Name:       e.Name,
			Policy:     policy,
			Phase:      phase,
			Default:    e.Default,
			Local:      e.Local,
			Min:        e.Min,
			Max:        e.Max,
			Choices:    e.Choices,
			NormalOnly: e.NormalOnly,
		}
	}
	return t, nil
}

// Params holds negotiated text values keyed by name.
type Params map[string]string

func (p Params) clone() Params {
	c := make(Params, len(p)+1)
	for k, v := range p {
		c[k] = v
	}
	return c
}

// ErrKeyRejected is returned by ApplyOffer when the offered value is invalid.
var ErrKeyRejected = errors.New("negotiation value rejected")

func parseBool(v string) (bool, error) {
	switch v {
	case ValueYes:
		return true, nil
	case ValueNo:
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

func boolValue(b bool) string {
	if b {
		return ValueYes
	}
	return ValueNo
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ApplyOffer negotiates one key. It returns the value to answer with
// (empty when the key takes no answer) and the updated parameters. An
// invalid offer returns ValueReject with ErrKeyRejected and params unchanged.
func ApplyOffer(key *NegotiationKey, value string, params Params) (string, Params, error) {
	reject := func(format string, args ...interface{}) (string, Params, error) {
		return ValueReject, params, fmt.Errorf("%w: %s=%s: %s", ErrKeyRejected, key.Name, value, fmt.Sprintf(format, args...))
	}
	var result, response string
	switch key.Policy {
	case PolicyMin, PolicyMax:
		offer, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return reject("not a number")
		}
		if offer < key.Min || offer > key.Max {
			return reject("out of range %d..%d", key.Min, key.Max)
		}
		local, err := strconv.ParseUint(key.Local, 10, 64)
		if err != nil {
			local = offer
		}
		v := offer
		if (key.Policy == PolicyMin && local < offer) || (key.Policy == PolicyMax && local > offer) {
			v = local
		}
		result = strconv.FormatUint(v, 10)
		response = result
	case PolicyAnd, PolicyOr:
		offer, err := parseBool(value)
		if err != nil {
			return reject("%v", err)
		}
		local, err := parseBool(key.Local)
		if err != nil {
			local = offer
		}
		if key.Policy == PolicyAnd {
			result = boolValue(offer && local)
		} else {
			result = boolValue(offer || local)
		}
		response = result
	case PolicyChoice:
		supported := splitList(key.Local)
		for _, offered := range splitList(value) {
			for _, s := range supported {
				if offered == s {
					result = s
					break
				}
			}
			if result != "" {
				break
			}
		}
		if result == "" {
			return reject("no common value with %s", key.Local)
		}
		response = result
	case PolicyDeclarative:
		if key.numeric() {
			offer, err := strconv.ParseUint(value, 10, 64)
			if err != nil || offer < key.Min || offer > key.Max {
				return reject("out of range %d..%d", key.Min, key.Max)
			}
		}
		if len(key.Choices) > 0 {
			found := false
			for _, c := range key.Choices {
				if c == value {
					found = true
				}
			}
			if !found {
				return reject("want one of %s", strings.Join(key.Choices, ","))
			}
		}
		result = value
		response = key.Local
	default:
		return reject("unknown policy %v", key.Policy)
	}
	p := params.clone()
	p[key.Name] = result
	return response, p, nil
}

// Negotiator keeps the partial negotiation of one login or text exchange.
// Values latch when the caller reads them after both sides sent the final bit.
type Negotiator struct {
	table     KeyTable
	params    Params
	leading   bool
	discovery bool
	ffp       bool
	// keys answered so far, declared keys are only sent once
	answered map[string]bool
}

func NewNegotiator(table KeyTable, leading bool) *Negotiator {
	return &Negotiator{
		table:    table,
		params:   Params{},
		leading:  leading,
		answered: map[string]bool{},
	}
}

// SetDiscovery marks the session as a discovery session, operational
// keys become Irrelevant.
func (n *Negotiator) SetDiscovery(discovery bool) {
	n.discovery = discovery
}

// SetFullFeature switches to full feature phase renegotiation rules.
func (n *Negotiator) SetFullFeature() {
	n.ffp = true
}

// Negotiate answers one round of offers in stage. Unknown keys are
// answered NotUnderstood, bad values Reject.
func (n *Negotiator) Negotiate(stage Stage, offers util.KeyValueList) util.KeyValueList {
	var resp util.KeyValueList
	for _, kv := range offers {
		key, ok := n.table[kv.Key]
		if !ok {
			log.Debugf("negotiation: key %s not understood", kv.Key)
			resp = append(resp, util.KeyValue{Key: kv.Key, Value: ValueNotUnderstood})
			continue
		}
		if v := n.check(stage, key); v != "" {
			resp = append(resp, util.KeyValue{Key: kv.Key, Value: v})
			continue
		}
		answer, params, err := ApplyOffer(key, kv.Value, n.params)
		if err != nil {
			log.Warnf("negotiation: %v", err)
		}
		n.params = params
		if kv.Key == KeySessionType && err == nil {
			n.discovery = kv.Value == "Discovery"
		}
		if answer != "" {
			resp = append(resp, util.KeyValue{Key: kv.Key, Value: answer})
			n.answered[kv.Key] = true
		}
	}
	return resp
}

func (n *Negotiator) check(stage Stage, key *NegotiationKey) string {
	switch key.Phase {
	case PhaseSecurity:
		if stage != SecurityNegotiation {
			return ValueReject
		}
	case PhaseLeading:
		if n.ffp || !n.leading {
			return ValueReject
		}
	case PhaseLogin:
		if n.ffp {
			return ValueReject
		}
	}
	if n.discovery && key.NormalOnly {
		return ValueIrrelevant
	}
	return ""
}

// Answered reports whether key was already sent in a response.
func (n *Negotiator) Answered(key string) bool {
	return n.answered[key]
}

// Declare records that the target announced key on its own.
func (n *Negotiator) Declare(key string) {
	n.answered[key] = true
}

// Offered reports whether the initiator sent key.
func (n *Negotiator) Offered(key string) bool {
	_, ok := n.params[key]
	return ok
}

// Value returns the negotiated value of key or its default.
func (n *Negotiator) Value(key string) string {
	if v, ok := n.params[key]; ok {
		return v
	}
	if k, ok := n.table[key]; ok {
		return k.Default
	}
	return ""
}

// Local returns the target's own value for key.
func (n *Negotiator) Local(key string) string {
	if k, ok := n.table[key]; ok {
		return k.Local
	}
	return ""
}

func (n *Negotiator) uintValue(key string) uint32 {
	v, err := strconv.ParseUint(n.Value(key), 10, 32)
	if err != nil {
		log.Warnf("negotiation: bad value for %s: %v", key, err)
		if k, ok := n.table[key]; ok {
			v, _ = strconv.ParseUint(k.Default, 10, 32)
		}
	}
	return uint32(v)
}

func (n *Negotiator) boolValue(key string) bool {
	b, _ := parseBool(n.Value(key))
	return b
}

// SessionParams are the session wide operational parameters.
type SessionParams struct {
	SessionType         string
	InitiatorName       string
	InitiatorAlias      string
	TargetName          string
	MaxConnections      uint32
	InitialR2T          bool
	ImmediateData       bool
	MaxBurstLength      uint32
	FirstBurstLength    uint32
	DefaultTime2Wait    uint32
	DefaultTime2Retain  uint32
	MaxOutstandingR2T   uint32
	DataPDUInOrder      bool
	DataSequenceInOrder bool
	ErrorRecoveryLevel  uint32
}

// ConnParams are the per connection parameters.
type ConnParams struct {
	HeaderDigest bool
	DataDigest   bool
	// MaxRecvDataSegmentLength is the target's declared receive limit.
	MaxRecvDataSegmentLength uint32
	// MaxXmitDataSegmentLength is the initiator's declared receive limit.
	MaxXmitDataSegmentLength uint32
}

// SessionParams latches the session parameters.
func (n *Negotiator) SessionParams() SessionParams {
	p := SessionParams{
		SessionType:         n.Value(KeySessionType),
		InitiatorName:       n.Value(KeyInitiatorName),
		InitiatorAlias:      n.Value(KeyInitiatorAlias),
		TargetName:          n.Value(KeyTargetName),
		MaxConnections:      n.uintValue(KeyMaxConnections),
		InitialR2T:          n.boolValue(KeyInitialR2T),
		ImmediateData:       n.boolValue(KeyImmediateData),
		MaxBurstLength:      n.uintValue(KeyMaxBurstLength),
		FirstBurstLength:    n.uintValue(KeyFirstBurstLength),
		DefaultTime2Wait:    n.uintValue(KeyDefaultTime2Wait),
		DefaultTime2Retain:  n.uintValue(KeyDefaultTime2Retain),
		MaxOutstandingR2T:   n.uintValue(KeyMaxOutstandingR2T),
		DataPDUInOrder:      n.boolValue(KeyDataPDUInOrder),
		DataSequenceInOrder: n.boolValue(KeyDataSequenceInOrder),
		ErrorRecoveryLevel:  n.uintValue(KeyErrorRecoveryLevel),
	}
	if p.FirstBurstLength > p.MaxBurstLength {
		p.FirstBurstLength = p.MaxBurstLength
	}
	return p
}

// ConnParams latches the connection parameters.
func (n *Negotiator) ConnParams() ConnParams {
	p := ConnParams{
		HeaderDigest:             n.Value(KeyHeaderDigest) == ValueCRC32C,
		DataDigest:               n.Value(KeyDataDigest) == ValueCRC32C,
		MaxXmitDataSegmentLength: n.uintValue(KeyMaxRecvDataSegmentLength),
	}
	if v, err := strconv.ParseUint(n.Local(KeyMaxRecvDataSegmentLength), 10, 32); err == nil {
		p.MaxRecvDataSegmentLength = uint32(v)
	} else {
		p.MaxRecvDataSegmentLength = 8192
	}
	return p
}
