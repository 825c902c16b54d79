// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"grimm.is/flytrap/internal/errors"
	"grimm.is/flytrap/internal/protocol"
)

// Definition is one compiled rule file. Immutable after Compile; the
// Engine swaps whole definitions atomically.
type Definition struct {
	path   string
	loaded time.Time
	rules  []*rule
}

// Path returns the source file, empty for definitions compiled from memory.
func (d *Definition) Path() string { return d.path }

// LoadedAt returns the compile time.
func (d *Definition) LoadedAt() time.Time { return d.loaded }

// Len returns the number of rules.
func (d *Definition) Len() int { return len(d.rules) }

type ruleAction int

const (
	actPass ruleAction = iota
	actReplace
	actDrop
	actKill
)

type rule struct {
	name   string
	phase  Phase
	action ruleAction

	direction  *protocol.Direction
	cidr       *net.IPNet
	ja3        string
	sni        string
	pattern    *regexp.Regexp
	method     string
	path       *regexp.Regexp
	status     int
	headerName string
	headerRe   *regexp.Regexp

	replaceRe   *regexp.Regexp
	replaceWith []byte
	respond     *Response
}

// Rule file schema. Unknown keys are rejected at load time.
type fileSpec struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name    string       `yaml:"name"`
	Phase   string       `yaml:"phase"`
	Match   matchSpec    `yaml:"match"`
	Action  string       `yaml:"action"`
	Replace *replaceSpec `yaml:"replace"`
	Respond *respondSpec `yaml:"respond"`
}

type matchSpec struct {
	Direction  string      `yaml:"direction"`
	ClientCIDR string      `yaml:"client_cidr"`
	JA3        string      `yaml:"ja3"`
	SNI        string      `yaml:"sni"`
	Pattern    string      `yaml:"pattern"`
	Method     string      `yaml:"method"`
	Path       string      `yaml:"path"`
	Status     int         `yaml:"status"`
	Header     *headerSpec `yaml:"header"`
}

type headerSpec struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

type replaceSpec struct {
	Pattern string `yaml:"pattern"`
	With    string `yaml:"with"`
}

type respondSpec struct {
	Status      int    `yaml:"status"`
	ContentType string `yaml:"content_type"`
	Body        string `yaml:"body"`
}

// LoadDefinition reads and compiles a rule file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindFilterReload, "read filter definition")
	}
	def, err := Compile(data)
	if err != nil {
		return nil, err
	}
	def.path = path
	return def, nil
}

// Compile parses and validates a rule document. An empty document is a
// valid definition that passes everything.
func Compile(data []byte) (*Definition, error) {
	var spec fileSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, errors.KindFilterReload, "parse filter definition")
	}

	def := &Definition{loaded: time.Now()}
	for i, rs := range spec.Rules {
		r, err := compileRule(rs, i)
		if err != nil {
			return nil, err
		}
		def.rules = append(def.rules, r)
	}
	return def, nil
}

func compileRule(rs ruleSpec, idx int) (*rule, error) {
	name := rs.Name
	if name == "" {
		name = fmt.Sprintf("rule-%d", idx+1)
	}
	fail := func(format string, args ...any) error {
		return errors.Errorf(errors.KindFilterReload,
			"rule %q: %s", name, fmt.Sprintf(format, args...))
	}

	phase := Phase(rs.Phase)
	if !phase.valid() {
		return nil, fail("unknown phase %q", rs.Phase)
	}

	r := &rule{name: name, phase: phase}

	m := rs.Match
	if m.Direction != "" {
		if phase != PhaseRaw {
			return nil, fail("direction matcher is raw-phase only")
		}
		dir, err := protocol.ParseDirection(m.Direction)
		if err != nil {
			return nil, fail("%v", err)
		}
		r.direction = &dir
	}
	if m.ClientCIDR != "" {
		cidr, err := parseCIDR(m.ClientCIDR)
		if err != nil {
			return nil, fail("client_cidr: %v", err)
		}
		r.cidr = cidr
	}
	r.ja3 = strings.ToLower(m.JA3)
	r.sni = strings.ToLower(m.SNI)
	if m.Pattern != "" {
		if phase == PhaseConnect {
			return nil, fail("pattern matcher needs traffic, not valid at connect")
		}
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return nil, fail("pattern: %v", err)
		}
		r.pattern = re
	}
	if m.Method != "" {
		if phase != PhaseHTTPRequest {
			return nil, fail("method matcher is http-request only")
		}
		r.method = strings.ToUpper(m.Method)
	}
	if m.Path != "" {
		if phase != PhaseHTTPRequest {
			return nil, fail("path matcher is http-request only")
		}
		re, err := regexp.Compile(m.Path)
		if err != nil {
			return nil, fail("path: %v", err)
		}
		r.path = re
	}
	if m.Status != 0 {
		if phase != PhaseHTTPResponse {
			return nil, fail("status matcher is http-response only")
		}
		if m.Status < 100 || m.Status > 599 {
			return nil, fail("status %d out of range", m.Status)
		}
		r.status = m.Status
	}
	if m.Header != nil {
		if phase != PhaseHTTPRequest && phase != PhaseHTTPResponse {
			return nil, fail("header matcher is HTTP-phase only")
		}
		if m.Header.Name == "" {
			return nil, fail("header matcher needs a name")
		}
		r.headerName = m.Header.Name
		if m.Header.Pattern != "" {
			re, err := regexp.Compile(m.Header.Pattern)
			if err != nil {
				return nil, fail("header pattern: %v", err)
			}
			r.headerRe = re
		}
	}

	if rs.Respond != nil {
		if phase != PhaseHTTPRequest && phase != PhaseHTTPResponse {
			return nil, fail("respond is HTTP-phase only")
		}
		if rs.Respond.Status < 100 || rs.Respond.Status > 599 {
			return nil, fail("respond status %d out of range", rs.Respond.Status)
		}
		ct := rs.Respond.ContentType
		if ct == "" && rs.Respond.Body != "" {
			ct = "text/plain; charset=utf-8"
		}
		r.respond = &Response{
			Status:      rs.Respond.Status,
			ContentType: ct,
			Body:        []byte(rs.Respond.Body),
		}
	}

	switch rs.Action {
	case "pass":
		r.action = actPass
	case "drop":
		if phase == PhaseConnect {
			return nil, fail("drop has no meaning at connect; use kill")
		}
		r.action = actDrop
	case "kill":
		r.action = actKill
	case "replace":
		r.action = actReplace
		if phase == PhaseConnect {
			return nil, fail("replace has no meaning at connect")
		}
		if rs.Replace == nil && !(phase == PhaseHTTPResponse && r.respond != nil) {
			return nil, fail("replace action needs a replace block")
		}
	case "":
		return nil, fail("missing action")
	default:
		return nil, fail("unknown action %q", rs.Action)
	}

	if rs.Replace != nil {
		if r.action != actReplace {
			return nil, fail("replace block is only valid with the replace action")
		}
		re, err := regexp.Compile(rs.Replace.Pattern)
		if err != nil {
			return nil, fail("replace pattern: %v", err)
		}
		r.replaceRe = re
		r.replaceWith = []byte(rs.Replace.With)
	}
	if r.respond != nil && r.action != actKill && !(r.action == actReplace && phase == PhaseHTTPResponse) {
		return nil, fail("respond is only valid with kill, or with replace on http-response")
	}

	return r, nil
}

// parseCIDR accepts "10.0.0.0/8" or a bare address.
func parseCIDR(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, cidr, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	return cidr, nil
}

// evaluate walks the rules in order and returns the first match's
// verdict; no match passes the unit unchanged.
func (d *Definition) evaluate(u *Unit, m *Meta) Verdict {
	for _, r := range d.rules {
		if r.phase != u.Phase || !r.matches(u, m) {
			continue
		}
		return r.apply(u)
	}
	return Verdict{Action: Pass}
}

func (r *rule) matches(u *Unit, m *Meta) bool {
	if r.direction != nil && u.Direction != *r.direction {
		return false
	}
	if r.cidr != nil && (m.ClientIP == nil || !r.cidr.Contains(m.ClientIP)) {
		return false
	}
	if r.ja3 != "" && r.ja3 != strings.ToLower(m.JA3) {
		return false
	}
	if r.sni != "" && r.sni != strings.ToLower(m.SNI) {
		return false
	}
	if r.method != "" && (u.Message == nil || u.Message.Method != r.method) {
		return false
	}
	if r.path != nil && (u.Message == nil || !r.path.MatchString(u.Message.Target)) {
		return false
	}
	if r.status != 0 && (u.Message == nil || u.Message.Status != r.status) {
		return false
	}
	if r.headerName != "" {
		if u.Message == nil {
			return false
		}
		values := u.Message.Header.Values(r.headerName)
		if len(values) == 0 {
			return false
		}
		if r.headerRe != nil && !anyMatch(r.headerRe, values) {
			return false
		}
	}
	if r.pattern != nil && !r.pattern.Match(r.payload(u)) {
		return false
	}
	return true
}

func (r *rule) payload(u *Unit) []byte {
	if u.Message != nil {
		return u.Message.Body
	}
	return u.Data
}

func anyMatch(re *regexp.Regexp, values []string) bool {
	for _, v := range values {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

func (r *rule) apply(u *Unit) Verdict {
	switch r.action {
	case actDrop:
		return Verdict{Action: Drop, Rule: r.name}
	case actKill:
		return Verdict{Action: Terminate, Response: r.respond, Rule: r.name}
	case actReplace:
		return r.applyReplace(u)
	default:
		return Verdict{Action: Pass, Rule: r.name}
	}
}

func (r *rule) applyReplace(u *Unit) Verdict {
	if u.Phase == PhaseRaw {
		return Verdict{
			Action: Pass,
			Data:   r.replaceRe.ReplaceAll(u.Data, r.replaceWith),
			Rule:   r.name,
		}
	}
	if r.respond != nil {
		return Verdict{Action: Pass, Message: r.respond.message(), Rule: r.name}
	}
	dup := u.Message.Clone()
	dup.SetBody(r.replaceRe.ReplaceAll(dup.Body, r.replaceWith))
	return Verdict{Action: Pass, Message: dup, Rule: r.name}
}

func (resp *Response) message() *protocol.Message {
	return protocol.NewResponse(resp.Status, resp.ContentType, resp.Body)
}
