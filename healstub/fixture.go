package healstub

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fixture scripts the stub's answers.
type Fixture struct {
	// MinClientVersion: older clients get 426 Upgrade Required.
	MinClientVersion string    `yaml:"min_client_version"`
	Accounts         []Account `yaml:"accounts"`
	// CaptureOnLog makes /v1/log ask for a capture script.
	CaptureOnLog bool `yaml:"capture_on_log"`
	// ReadyAfter is the poll (1-based) on which a healed locator appears.
	ReadyAfter int       `yaml:"ready_after"`
	Locators   []Locator `yaml:"locators"`
}

// Account is one accepted credential pair.
type Account struct {
	User           string `yaml:"user"`
	Key            string `yaml:"key"`
	UserID         string `yaml:"user_id"`
	GroupID        string `yaml:"group_id"`
	Token          string `yaml:"token"`
	HealingEnabled bool   `yaml:"healing_enabled"`
	GroupAIEnabled bool   `yaml:"group_ai_enabled"`
	LogData        bool   `yaml:"log_data"`
}

// Locator maps a broken locator to its healed replacement.
type Locator struct {
	Using    string `yaml:"using"`
	Value    string `yaml:"value"`
	Selector string `yaml:"selector"`
	Healed   string `yaml:"healed"`
}

// LoadFixture reads a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("healstub: read fixture: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("healstub: parse fixture: %w", err)
	}
	if f.ReadyAfter <= 0 {
		f.ReadyAfter = 1
	}
	return &f, nil
}

func (f *Fixture) account(user, key string) (Account, bool) {
	for _, a := range f.Accounts {
		if a.User == user && a.Key == key {
			return a, true
		}
	}
	return Account{}, false
}

func (f *Fixture) locator(using, value string) (Locator, bool) {
	for _, l := range f.Locators {
		if l.Using == using && l.Value == value {
			return l, true
		}
	}
	return Locator{}, false
}

// versionLess compares dotted numeric versions; missing parts count as 0.
func versionLess(a, b string) bool {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(pb[i])
		}
		if x != y {
			return x < y
		}
	}
	return false
}
