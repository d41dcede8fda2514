// Package store persists the rule set, watched applications and firewall
// policy as a YAML document.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/micrictor/appwall/internal/packet"
	"github.com/micrictor/appwall/internal/rules"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const documentVersion = 1

// RuleRecord is the textual form of a rule shared by the rule file and the
// control API. Endpoints are "ip:port" with "*" for any.
type RuleRecord struct {
	UserID    int    `yaml:"-" json:"uid"`
	Kind      string `yaml:"kind" json:"kind"`
	Protocol  string `yaml:"protocol" json:"protocol"`
	Device    string `yaml:"device" json:"device"`
	Local     string `yaml:"local,omitempty" json:"local,omitempty"`
	Remote    string `yaml:"remote,omitempty" json:"remote,omitempty"`
	Direction string `yaml:"direction,omitempty" json:"direction,omitempty"`
	Policy    string `yaml:"policy,omitempty" json:"policy,omitempty"`
	Redirect  string `yaml:"redirect,omitempty" json:"redirect,omitempty"`
}

func RecordOf(r rules.Rule) RuleRecord {
	rec := RuleRecord{
		UserID:   r.UserID,
		Kind:     r.Kind.String(),
		Protocol: r.Protocols.String(),
		Device:   r.Devices.String(),
		Local:    r.Local.String(),
		Remote:   r.Remote.String(),
	}
	if r.Direction != rules.DirectionAny {
		rec.Direction = r.Direction.String()
	}
	if r.Kind == rules.KindRedirect {
		rec.Redirect = r.Redirect.String()
	} else {
		rec.Policy = r.Policy.String()
	}
	return rec
}

func parseEndpoint(s string) (packet.Endpoint, error) {
	if s == "" {
		return packet.Endpoint{}, nil
	}
	return packet.ParseEndpoint(s)
}

// Rule converts the record into a validated rule.
func (rec RuleRecord) Rule() (rules.Rule, error) {
	var r rules.Rule
	var err error
	r.UserID = rec.UserID
	if r.Kind, err = rules.ParseKind(rec.Kind); err != nil {
		return r, err
	}
	if r.Protocols, err = rules.ParseProtocolFilter(rec.Protocol); err != nil {
		return r, err
	}
	if r.Devices, err = rules.ParseDeviceFilter(rec.Device); err != nil {
		return r, err
	}
	if r.Direction, err = rules.ParseDirectionFilter(rec.Direction); err != nil {
		return r, err
	}
	if r.Local, err = parseEndpoint(rec.Local); err != nil {
		return r, fmt.Errorf("%w: local: %v", rules.ErrInvalidRule, err)
	}
	if r.Remote, err = parseEndpoint(rec.Remote); err != nil {
		return r, fmt.Errorf("%w: remote: %v", rules.ErrInvalidRule, err)
	}
	if r.Kind == rules.KindRedirect {
		if r.Redirect, err = parseEndpoint(rec.Redirect); err != nil {
			return r, fmt.Errorf("%w: redirect: %v", rules.ErrInvalidRule, err)
		}
	} else if r.Policy, err = rules.ParsePolicy(rec.Policy); err != nil {
		return r, err
	}
	return r, r.Validate()
}

type AppRecord struct {
	UserID int          `yaml:"uid"`
	Rules  []RuleRecord `yaml:"rules"`
}

type document struct {
	Version int         `yaml:"version"`
	Policy  string      `yaml:"policy,omitempty"`
	Watched []int       `yaml:"watched,omitempty"`
	Apps    []AppRecord `yaml:"apps,omitempty"`
}

// State is everything the firewall persists. A zero Policy means the file
// did not set one.
type State struct {
	Policy  rules.Policy
	Watched []int
	Rules   []rules.Rule
}

type FileStore struct {
	path string
	log  *logrus.Entry

	mu sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, log: logrus.WithField("component", "store")}
}

func (s *FileStore) Path() string {
	return s.path
}

// Load reads the rule file. A missing file yields an empty state. Rules that
// repeat an earlier rule are skipped.
func (s *FileStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Infof("rule file %s does not exist, starting empty", s.path)
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read rule file: %w", err)
	}
	return s.decode(data)
}

func (s *FileStore) decode(data []byte) (State, error) {
	var doc document
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return State{}, fmt.Errorf("parse rule file %s: %w", s.path, err)
	}
	if doc.Version > documentVersion {
		return State{}, fmt.Errorf("rule file %s: unsupported version %d", s.path, doc.Version)
	}

	var st State
	if doc.Policy != "" {
		p, err := rules.ParsePolicy(doc.Policy)
		if err != nil {
			return State{}, fmt.Errorf("rule file %s: %w", s.path, err)
		}
		st.Policy = p
	}
	st.Watched = doc.Watched

	seen := rules.NewRuleSet()
	for _, app := range doc.Apps {
		for i, rec := range app.Rules {
			rec.UserID = app.UserID
			r, err := rec.Rule()
			if err != nil {
				return State{}, fmt.Errorf("rule file %s: uid %d rule %d: %w", s.path, app.UserID, i+1, err)
			}
			if err := seen.Add(r); err != nil {
				s.log.Warnf("skipping rule %d of uid %d: %v", i+1, app.UserID, err)
				continue
			}
			st.Rules = append(st.Rules, r)
		}
	}
	return st, nil
}

// Save replaces the rule file atomically.
func (s *FileStore) Save(st State) error {
	doc := document{Version: documentVersion, Watched: append([]int(nil), st.Watched...)}
	sort.Ints(doc.Watched)
	if st.Policy != 0 {
		doc.Policy = st.Policy.String()
	}
	byUser := make(map[int]*AppRecord)
	for _, r := range st.Rules {
		app, ok := byUser[r.UserID]
		if !ok {
			app = &AppRecord{UserID: r.UserID}
			byUser[r.UserID] = app
		}
		app.Rules = append(app.Rules, RecordOf(r))
	}
	for _, app := range byUser {
		doc.Apps = append(doc.Apps, *app)
	}
	sort.Slice(doc.Apps, func(i, j int) bool { return doc.Apps[i].UserID < doc.Apps[j].UserID })

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode rule file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create rule dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rules-*.yaml")
	if err != nil {
		return fmt.Errorf("write rule file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write rule file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write rule file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write rule file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace rule file: %w", err)
	}
	s.log.Debugf("saved %d rules to %s", len(st.Rules), s.path)
	return nil
}
