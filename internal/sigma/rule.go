package sigma

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"secops-toolkit/internal/storage"
)

// ErrMissingField is returned for rule files without a title or id.
var ErrMissingField = errors.New("sigma: rule is missing title or id")

// Metadata is the descriptive part of a Sigma rule.
type Metadata struct {
	Title       string    `yaml:"title"`
	ID          string    `yaml:"id"`
	Status      string    `yaml:"status"`
	Description string    `yaml:"description"`
	Author      string    `yaml:"author"`
	Date        string    `yaml:"date"`
	Modified    string    `yaml:"modified"`
	Level       string    `yaml:"level"`
	Tags        []string  `yaml:"tags"`
	Logsource   Logsource `yaml:"logsource"`
}

// Logsource names the log source a rule applies to.
type Logsource struct {
	Product  string `yaml:"product"`
	Category string `yaml:"category"`
	Service  string `yaml:"service"`
}

// ParseMetadata reads the first YAML document of a rule file.
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("sigma: empty rule file")
		}
		return nil, fmt.Errorf("sigma: parse rule: %w", err)
	}
	m.Title = strings.TrimSpace(m.Title)
	m.ID = strings.TrimSpace(m.ID)
	if m.Title == "" || m.ID == "" {
		return nil, ErrMissingField
	}

	tags := make([]string, 0, len(m.Tags))
	for _, t := range m.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	m.Tags = tags
	return &m, nil
}

// StorageRule builds the row stored for a rule file.
func (m *Metadata) StorageRule(libraryID int64, filePath string, raw []byte) *storage.SigmaRule {
	return &storage.SigmaRule{
		LibraryID:         libraryID,
		FilePath:          filePath,
		RawContent:        string(raw),
		Title:             m.Title,
		SigmaID:           m.ID,
		Status:            m.Status,
		Description:       m.Description,
		Author:            m.Author,
		Date:              m.Date,
		Modified:          m.Modified,
		Level:             m.Level,
		LogsourceProduct:  m.Logsource.Product,
		LogsourceCategory: m.Logsource.Category,
		LogsourceService:  m.Logsource.Service,
		Tags:              m.Tags,
	}
}
