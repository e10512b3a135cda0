package notify

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/legacyvault/legacyvault/internal/model"
)

// Template names.
const (
	TemplateCheckIn       = "checkin"
	TemplateOTP           = "otp"
	TemplateReleaseNotice = "release_notice"

	defaultChannelKey = "default"
)

var requiredTemplates = []string{TemplateCheckIn, TemplateOTP, TemplateReleaseNotice}

//go:embed templates.yaml
var defaultTemplates []byte

// templateSpec is one (template, channel) entry of the YAML document.
type templateSpec struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// Templates renders notification text per template and channel.
type Templates struct {
	entries map[string]map[string]compiled
}

// CheckInData is the data of the checkin template.
type CheckInData struct {
	FirstName string
	ProbeSeq  int
	Deadline  string
	Link      string
}

// OTPData is the data of the otp template.
type OTPData struct {
	Code    string
	Minutes int
}

// ReleaseNoticeData is the data of the release_notice template.
type ReleaseNoticeData struct {
	NomineeName string
	OwnerName   string
	AssetTitle  string
	Link        string
}

// LoadTemplates parses the embedded defaults and, when overridePath is set,
// merges the override document on top. Entries in the override replace the
// default entry for the same template and channel.
func LoadTemplates(overridePath string) (*Templates, error) {
	docs := [][]byte{defaultTemplates}
	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("read templates: %w", err)
		}
		docs = append(docs, data)
	}
	return ParseTemplates(docs...)
}

// ParseTemplates builds Templates from YAML documents applied in order.
func ParseTemplates(docs ...[]byte) (*Templates, error) {
	merged := make(map[string]map[string]templateSpec)
	for i, doc := range docs {
		var parsed map[string]map[string]templateSpec
		if err := yaml.Unmarshal(doc, &parsed); err != nil {
			return nil, fmt.Errorf("parse templates document %d: %w", i, err)
		}
		for name, channels := range parsed {
			if merged[name] == nil {
				merged[name] = make(map[string]templateSpec)
			}
			for ch, spec := range channels {
				merged[name][ch] = spec
			}
		}
	}

	t := &Templates{entries: make(map[string]map[string]compiled)}
	for name, channels := range merged {
		t.entries[name] = make(map[string]compiled)
		for ch, spec := range channels {
			if ch != defaultChannelKey && !model.Channel(ch).IsValid() {
				return nil, fmt.Errorf("template %s: unknown channel %q", name, ch)
			}
			c, err := compile(name+"."+ch, spec)
			if err != nil {
				return nil, err
			}
			if ch == string(model.ChannelEmail) && c.subject == nil {
				return nil, fmt.Errorf("template %s.email: subject is required", name)
			}
			t.entries[name][ch] = c
		}
	}

	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func compile(key string, spec templateSpec) (compiled, error) {
	if strings.TrimSpace(spec.Body) == "" {
		return compiled{}, fmt.Errorf("template %s: body is required", key)
	}
	body, err := template.New(key + ".body").Option("missingkey=error").Parse(spec.Body)
	if err != nil {
		return compiled{}, fmt.Errorf("template %s: %w", key, err)
	}
	c := compiled{body: body}
	if spec.Subject != "" {
		c.subject, err = template.New(key + ".subject").Option("missingkey=error").Parse(spec.Subject)
		if err != nil {
			return compiled{}, fmt.Errorf("template %s: %w", key, err)
		}
	}
	return c, nil
}

// validate checks that every required template covers every channel.
func (t *Templates) validate() error {
	var missing []string
	for _, name := range requiredTemplates {
		for _, ch := range model.ValidChannels {
			if _, ok := t.lookup(name, ch); !ok {
				missing = append(missing, name+"."+string(ch))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing templates: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (t *Templates) lookup(name string, ch model.Channel) (compiled, bool) {
	channels, ok := t.entries[name]
	if !ok {
		return compiled{}, false
	}
	if c, ok := channels[string(ch)]; ok {
		return c, true
	}
	c, ok := channels[defaultChannelKey]
	return c, ok
}

// Render renders a template for a channel. The subject is empty when the
// entry has none.
func (t *Templates) Render(name string, ch model.Channel, data any) (subject, body string, err error) {
	c, ok := t.lookup(name, ch)
	if !ok {
		return "", "", fmt.Errorf("no template %s for channel %s", name, ch)
	}
	var buf bytes.Buffer
	if c.subject != nil {
		if err := c.subject.Execute(&buf, data); err != nil {
			return "", "", fmt.Errorf("render %s subject: %w", name, err)
		}
		subject = buf.String()
		buf.Reset()
	}
	if err := c.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", name, err)
	}
	return subject, strings.TrimSpace(buf.String()), nil
}

// Message renders a template into a Message addressed to to.
func (t *Templates) Message(name string, ch model.Channel, to string, data any) (Message, error) {
	subject, body, err := t.Render(name, ch, data)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subject, Body: body, Template: name}, nil
}
