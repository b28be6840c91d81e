package config

import "time"

// SandboxConfig configures the per-instance container.
type SandboxConfig struct {
	// ImageTemplate is the image name; {id} is replaced with the instance slug.
	ImageTemplate string  `yaml:"image_template"`
	WorkDir       string  `yaml:"work_dir"`
	Timeout       string  `yaml:"timeout"`  // default command timeout
	Activate      string  `yaml:"activate"` // shell prefix run before every command
	MemoryLimit   int64   `yaml:"memory_limit"`
	CPULimit      float64 `yaml:"cpu_limit"`
	Network       string  `yaml:"network"`
	KeepContainer bool    `yaml:"keep_container"`
}

// GetTimeout returns the default command timeout as a duration.
func (c SandboxConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 120*time.Second)
}
