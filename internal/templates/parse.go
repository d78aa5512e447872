package templates

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownTemplate indicates that no template is registered under the requested id.
	ErrUnknownTemplate = errors.New("templates: unknown template")
	// ErrUnknownStage indicates a stage name outside the closed enumeration.
	ErrUnknownStage = errors.New("templates: unknown stage")
	// ErrInvalidTemplate indicates a template that failed load-time validation.
	ErrInvalidTemplate = errors.New("templates: invalid template")
	// ErrTemplateImmutable indicates an attempt to change a published template.
	ErrTemplateImmutable = errors.New("templates: template is immutable")
)

// Parse decodes one or more YAML documents into templates. Templates without
// an explicit id receive one derived from their name and version.
func Parse(data []byte) ([]Template, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	parsed := make([]Template, 0, 1)
	for {
		var template Template
		err := decoder.Decode(&template)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
		}
		normalize(&template)
		parsed = append(parsed, template)
	}
	return parsed, nil
}

// DeriveID returns the id used when a template omits one.
func DeriveID(name string, version int) string {
	return fmt.Sprintf("%s-v%d", slug.Make(name), version)
}

func normalize(template *Template) {
	template.ID = strings.TrimSpace(template.ID)
	template.Name = strings.TrimSpace(template.Name)
	if template.ID == "" && template.Name != "" {
		template.ID = DeriveID(template.Name, template.Version)
	}
	if template.Progression == "" {
		template.Progression = ProgressionAutomatic
	}
	if template.RankingMode == "" {
		template.RankingMode = RankingStandard
	}
}
