package notify

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templatesFS embed.FS

// messageSpec is one event's template set inside a language file.
type messageSpec struct {
	Subject string `yaml:"subject"`
	Text    string `yaml:"text"`
	HTML    string `yaml:"html"`
}

// Catalog holds the parsed per-language template files. Lookup falls back to
// English when the requested language or event has no entry.
type Catalog struct {
	languages map[string]map[string]*parsedSpec
}

type parsedSpec struct {
	subject *template.Template
	text    *template.Template
	html    *template.Template
}

// LoadCatalog parses the embedded template files. Called once at startup;
// a malformed template is a boot failure, not a runtime one.
func LoadCatalog() (*Catalog, error) {
	c := &Catalog{languages: map[string]map[string]*parsedSpec{}}

	entries, err := fs.ReadDir(templatesFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	for _, entry := range entries {
		lang := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		raw, err := templatesFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", entry.Name(), err)
		}
		var specs map[string]messageSpec
		if err := yaml.Unmarshal(raw, &specs); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", entry.Name(), err)
		}
		parsed := map[string]*parsedSpec{}
		for event, spec := range specs {
			p := &parsedSpec{}
			if p.subject, err = template.New(lang + "/" + event + "/subject").Parse(spec.Subject); err != nil {
				return nil, fmt.Errorf("template %s.%s subject: %w", lang, event, err)
			}
			if p.text, err = template.New(lang + "/" + event + "/text").Parse(spec.Text); err != nil {
				return nil, fmt.Errorf("template %s.%s text: %w", lang, event, err)
			}
			if spec.HTML != "" {
				if p.html, err = template.New(lang + "/" + event + "/html").Parse(spec.HTML); err != nil {
					return nil, fmt.Errorf("template %s.%s html: %w", lang, event, err)
				}
			}
			parsed[event] = p
		}
		c.languages[lang] = parsed
	}

	if _, ok := c.languages["en"]; !ok {
		return nil, fmt.Errorf("english template catalog missing")
	}
	return c, nil
}

// Render expands the event's templates in the requested language, falling
// back to English for unknown languages or events.
func (c *Catalog) Render(lang string, ev *Event) (*Rendered, error) {
	specs, ok := c.languages[lang]
	if !ok {
		specs = c.languages["en"]
	}
	spec, ok := specs[string(ev.Type)]
	if !ok {
		spec, ok = c.languages["en"][string(ev.Type)]
		if !ok {
			return nil, fmt.Errorf("no template for event %q", ev.Type)
		}
	}

	out := &Rendered{}
	var err error
	if out.Subject, err = expand(spec.subject, ev); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	if out.Text, err = expand(spec.text, ev); err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}
	if spec.html != nil {
		if out.HTML, err = expand(spec.html, ev); err != nil {
			return nil, fmt.Errorf("render html: %w", err)
		}
	}
	return out, nil
}

func expand(t *template.Template, ev *Event) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, ev); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
