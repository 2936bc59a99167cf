// Package sigma manages Sigma rule libraries: syncing them from git, reading
// rule metadata, converting rules to YARA-L and matching rules locally.
package sigma

import "time"

// Config holds the Sigma manager settings.
type Config struct {
	// ReposDir holds the git checkouts of remote libraries.
	ReposDir string `yaml:"repos_dir"`

	// ConverterCommand is run with the rule file appended as the last argument.
	ConverterCommand []string      `yaml:"converter_command"`
	ConvertTimeout   time.Duration `yaml:"convert_timeout"`
	GitTimeout       time.Duration `yaml:"git_timeout"`
}

// DefaultConfig returns the default Sigma manager configuration.
func DefaultConfig() Config {
	return Config{
		ReposDir:         "sigma_repos",
		ConverterCommand: []string{"sigma", "convert", "-t", "secops", "-p", "secops_udm_pipeline"},
		ConvertTimeout:   2 * time.Minute,
		GitTimeout:       10 * time.Minute,
	}
}
