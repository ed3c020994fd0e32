// Package risk scores events against a port attack-frequency profile and a
// fixed set of behavioural indicators.
package risk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Entry is one row of the port attack-frequency table.
type Entry struct {
	Port        int `json:"port" yaml:"port"`
	AttackCount int `json:"attack_count" yaml:"attack_count"`
	RiskWeight  int `json:"risk_weight" yaml:"risk_weight"`
}

// Profile maps ports to their entries. It is read-only after loading.
type Profile struct {
	entries map[int]Entry
}

var ErrEmptyProfile = errors.New("profile contains no ports")

// defaultCounts is the attack-frequency summary from the bundled training run.
var defaultCounts = map[int]int{
	53:   2460,
	443:  859,
	80:   632,
	123:  95,
	8080: 58,
	22:   25,
}

// DefaultProfile returns the built-in profile.
func DefaultProfile() *Profile {
	p := &Profile{entries: make(map[int]Entry, len(defaultCounts))}
	for port, count := range defaultCounts {
		p.entries[port] = newEntry(port, count)
	}
	return p
}

// NewProfile builds a profile from port → attack count pairs.
func NewProfile(counts map[int]int) *Profile {
	p := &Profile{entries: make(map[int]Entry, len(counts))}
	for port, count := range counts {
		p.entries[port] = newEntry(port, count)
	}
	return p
}

// LoadProfileFile reads a tab-separated "port<TAB>count" file.
func LoadProfileFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer f.Close()
	return LoadProfile(f)
}

// LoadProfile parses "port<TAB>count" lines. Blank lines and lines starting
// with '#' are skipped. A port listed twice keeps the last count.
func LoadProfile(r io.Reader) (*Profile, error) {
	p := &Profile{entries: make(map[int]Entry)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		portStr, countStr, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("line %d: expected port<TAB>count", lineNo)
		}
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("line %d: invalid port %q", lineNo, portStr)
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil || count < 0 {
			return nil, fmt.Errorf("line %d: invalid attack count %q", lineNo, countStr)
		}
		p.entries[port] = newEntry(port, count)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if len(p.entries) == 0 {
		return nil, ErrEmptyProfile
	}
	return p, nil
}

// Weight returns the risk weight of port, 0 when the port is unknown.
func (p *Profile) Weight(port int) int {
	return p.entries[port].RiskWeight
}

// Lookup returns the entry for port.
func (p *Profile) Lookup(port int) (Entry, bool) {
	e, ok := p.entries[port]
	return e, ok
}

// Entries returns every entry ordered by attack count, busiest first.
func (p *Profile) Entries() []Entry {
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttackCount != out[j].AttackCount {
			return out[i].AttackCount > out[j].AttackCount
		}
		return out[i].Port < out[j].Port
	})
	return out
}

func (p *Profile) Len() int { return len(p.entries) }

func newEntry(port, count int) Entry {
	return Entry{Port: port, AttackCount: count, RiskWeight: WeightForCount(count)}
}

// WeightForCount maps an attack count to its risk weight tier.
func WeightForCount(count int) int {
	switch {
	case count > 1000:
		return 80
	case count > 500:
		return 70
	case count > 100:
		return 50
	case count > 20:
		return 35
	case count > 0:
		return 15
	default:
		return 0
	}
}
