package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/blockandfocus/baf/internal/matcher"
)

var (
	// ErrInvalidConfig is returned when the policy document fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNoConfig is returned when the policy file is not found.
	ErrNoConfig = errors.New("configuration file not found")
	// ErrParse is returned when the policy file is not valid YAML.
	ErrParse = errors.New("configuration parse error")
)

const (
	// DevConfigPath is the policy file location in development mode,
	// relative to the working directory.
	DevConfigPath = "config.yaml"
	// ProdConfigPath is the policy file location in production mode.
	ProdConfigPath = "/Library/Application Support/BlockAndFocus/config.yaml"
	// DevSocketPath is the control socket location in development mode.
	DevSocketPath = "/tmp/blockandfocus-dev.sock"
	// ProdSocketPath is the control socket location in production mode.
	ProdSocketPath = "/var/run/blockandfocus.sock"
	// DevListenPort is the default DNS listener port in development mode.
	DevListenPort = 5454
	// ProdListenPort is the default DNS listener port in production mode.
	ProdListenPort = 53
)

// Policy is the persisted configuration document. It is treated as
// immutable once loaded; mutations go through Store.Mutate, which
// persists a validated copy before swapping the live snapshot.
type Policy struct {
	DNS      DNSConfig      `yaml:"dns" json:"dns"`
	Blocking BlockingConfig `yaml:"blocking" json:"blocking"`
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
	Quiz     QuizConfig     `yaml:"quiz" json:"quiz"`
}

// DNSConfig holds the listener binding and the upstream resolvers.
// Upstreams are explicit host:port addresses; the daemon never reads
// host resolver settings, which would point back at its own listener.
type DNSConfig struct {
	ListenAddr string   `yaml:"listen_addr" json:"listen_addr"`
	ListenPort int      `yaml:"listen_port" json:"listen_port"`
	Upstreams  []string `yaml:"upstreams" json:"upstreams"`
}

// BlockingConfig holds the enable flag and the normalized blocklist.
type BlockingConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Domains []string `yaml:"domains" json:"domains"`
}

// ScheduleConfig holds the enable flag and the ordered rule list.
type ScheduleConfig struct {
	Enabled bool           `yaml:"enabled" json:"enabled"`
	Rules   []ScheduleRule `yaml:"rules" json:"rules"`
}

// ScheduleRule is a single weekly enforcement window. Start and End are
// "HH:MM" local times; a rule never straddles midnight.
type ScheduleRule struct {
	Name  string   `yaml:"name" json:"name"`
	Days  []string `yaml:"days" json:"days"`
	Start string   `yaml:"start_time" json:"start_time"`
	End   string   `yaml:"end_time" json:"end_time"`
}

// QuizConfig parameterizes the bypass challenge.
type QuizConfig struct {
	NumQuestions    int `yaml:"num_questions" json:"num_questions"`
	MinOperand      int `yaml:"min_operand" json:"min_operand"`
	MaxOperand      int `yaml:"max_operand" json:"max_operand"`
	TimeoutSeconds  int `yaml:"timeout_seconds" json:"timeout_seconds"`
	MinSolveSeconds int `yaml:"min_solve_seconds" json:"min_solve_seconds"`
}

// weekdays maps the persisted day names to time.Weekday.
var weekdays = map[string]int{
	"mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6, "sun": 0,
}

// Default returns the policy written on first start: blocking enabled
// with an empty blocklist, schedule off, and a three-question quiz.
func Default(dev bool) *Policy {
	port := ProdListenPort
	if dev {
		port = DevListenPort
	}
	return &Policy{
		DNS: DNSConfig{
			ListenAddr: "127.0.0.1",
			ListenPort: port,
			Upstreams:  []string{"1.1.1.1:53", "8.8.8.8:53"},
		},
		Blocking: BlockingConfig{
			Enabled: true,
			Domains: []string{},
		},
		Schedule: ScheduleConfig{
			Enabled: false,
			Rules:   []ScheduleRule{},
		},
		Quiz: QuizConfig{
			NumQuestions:    3,
			MinOperand:      2,
			MaxOperand:      99,
			TimeoutSeconds:  60,
			MinSolveSeconds: 3,
		},
	}
}

// Clone returns a deep copy safe to mutate.
func (p *Policy) Clone() *Policy {
	cp := *p
	cp.DNS.Upstreams = append([]string(nil), p.DNS.Upstreams...)
	cp.Blocking.Domains = append([]string(nil), p.Blocking.Domains...)
	cp.Schedule.Rules = make([]ScheduleRule, len(p.Schedule.Rules))
	for i, r := range p.Schedule.Rules {
		cp.Schedule.Rules[i] = r
		cp.Schedule.Rules[i].Days = append([]string(nil), r.Days...)
	}
	return &cp
}

// Normalize canonicalizes the mutable fields: blocklist entries are
// lowercased, trimmed, and stripped of a trailing dot; day names are
// lowercased. Normalize is idempotent and runs before every validation.
func (p *Policy) Normalize() {
	for i, d := range p.Blocking.Domains {
		p.Blocking.Domains[i] = matcher.Normalize(d)
	}
	for i := range p.Schedule.Rules {
		for j, d := range p.Schedule.Rules[i].Days {
			p.Schedule.Rules[i].Days[j] = strings.ToLower(strings.TrimSpace(d))
		}
	}
}

// Validate enforces the document invariants. It aggregates all failures
// so a hand-edited file reports every problem in one pass.
func (p *Policy) Validate() error {
	var errs error

	if strings.TrimSpace(p.DNS.ListenAddr) == "" {
		errs = multierr.Append(errs, errors.New("dns: listen_addr cannot be empty"))
	}
	if p.DNS.ListenPort < 1 || p.DNS.ListenPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("dns: listen_port %d out of range", p.DNS.ListenPort))
	}
	if len(p.DNS.Upstreams) == 0 {
		errs = multierr.Append(errs, errors.New("dns: at least one upstream is required"))
	}
	for _, u := range p.DNS.Upstreams {
		if _, _, err := net.SplitHostPort(u); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("dns: upstream %q is not host:port", u))
		}
	}

	for _, d := range p.Blocking.Domains {
		if err := matcher.ValidateDomain(d); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("blocking: %w", err))
		}
	}

	for i, r := range p.Schedule.Rules {
		if err := r.validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("schedule: rule %d (%q): %w", i, r.Name, err))
		}
	}

	q := p.Quiz
	if q.NumQuestions < 1 {
		errs = multierr.Append(errs, errors.New("quiz: num_questions must be at least 1"))
	}
	if q.MinOperand > q.MaxOperand {
		errs = multierr.Append(errs, errors.New("quiz: min_operand exceeds max_operand"))
	}
	if q.TimeoutSeconds < 1 {
		errs = multierr.Append(errs, errors.New("quiz: timeout_seconds must be positive"))
	}
	if q.MinSolveSeconds < 0 || q.MinSolveSeconds >= q.TimeoutSeconds {
		errs = multierr.Append(errs, errors.New("quiz: min_solve_seconds must be below timeout_seconds"))
	}

	if errs != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, errs)
	}
	return nil
}

func (r ScheduleRule) validate() error {
	if len(r.Days) == 0 {
		return errors.New("no days")
	}
	for _, d := range r.Days {
		if _, ok := weekdays[d]; !ok {
			return fmt.Errorf("unknown day %q", d)
		}
	}
	start, end, err := r.Window()
	if err != nil {
		return err
	}
	if start >= end {
		return fmt.Errorf("start_time %q is not before end_time %q", r.Start, r.End)
	}
	return nil
}

// Window parses the rule's clock times into minutes since local
// midnight.
func (r ScheduleRule) Window() (start, end int, err error) {
	if start, err = parseClock(r.Start); err != nil {
		return 0, 0, fmt.Errorf("start_time: %w", err)
	}
	if end, err = parseClock(r.End); err != nil {
		return 0, 0, fmt.Errorf("end_time: %w", err)
	}
	return start, end, nil
}

// OnDay reports whether the rule applies on the given weekday
// (time.Weekday numbering, Sunday = 0).
func (r ScheduleRule) OnDay(weekday int) bool {
	for _, d := range r.Days {
		if weekdays[d] == weekday {
			return true
		}
	}
	return false
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return h*60 + m, nil
}
