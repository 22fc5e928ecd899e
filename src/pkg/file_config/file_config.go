// Retrieves the rebuild config from a yaml file, falling back to built-in defaults

package file_config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/jmespath/go-jmespath"
	"gopkg.in/yaml.v3"
)

type ModuleConfig struct {
	Name      string `yaml:"name" validate:"required" json:"name"`
	Repo      string `yaml:"repo" validate:"required" json:"repo"`
	Ref       string `yaml:"ref" validate:"omitempty" json:"ref"`
	Artifact  string `yaml:"artifact" validate:"required,endswith=.so" json:"artifact"`
	DependsOn string `yaml:"depends_on" validate:"omitempty,nefield=Name" json:"depends_on"`
	// Feature names the directive prefix (e.g. geoip2) whose disabled lines
	// are re-enabled along with the load_module line.
	Feature string `yaml:"feature" validate:"omitempty" json:"feature"`
}

type Config struct {
	NginxBinary       string `yaml:"nginx_binary" validate:"required" json:"nginx_binary"`
	NginxConf         string `yaml:"nginx_conf" validate:"required" json:"nginx_conf"`
	ModuleDir         string `yaml:"module_dir" validate:"required" json:"module_dir"`
	WorkRoot          string `yaml:"work_root" validate:"required" json:"work_root"`
	SourceURLTemplate string `yaml:"source_url_template" validate:"required" json:"source_url_template"`
	ServiceName       string `yaml:"service_name" validate:"required" json:"service_name"`

	Jobs         int           `yaml:"jobs" validate:"gte=0" json:"jobs"`
	RestartDelay time.Duration `yaml:"restart_delay" validate:"gte=0" json:"restart_delay"`
	LogTailLines int           `yaml:"log_tail_lines" validate:"gte=0" json:"log_tail_lines"`
	KeepWorkdir  bool          `yaml:"keep_workdir" json:"keep_workdir"`

	GeoIP2DisabledSuffix string `yaml:"geoip2_disabled_suffix" json:"geoip2_disabled_suffix"`

	Modules []ModuleConfig `yaml:"modules" validate:"required,min=1,dive" json:"modules"`
}

// Defaults is the stock Debian/Ubuntu nginx.org layout with the three
// modules this tool exists for.
func Defaults() Config {
	return Config{
		NginxBinary:          "nginx",
		NginxConf:            "/etc/nginx/nginx.conf",
		ModuleDir:            "/usr/lib/nginx/modules",
		WorkRoot:             os.TempDir(),
		SourceURLTemplate:    "https://nginx.org/download/nginx-{{ .version }}.tar.gz",
		ServiceName:          "nginx",
		RestartDelay:         2 * time.Second,
		LogTailLines:         30,
		GeoIP2DisabledSuffix: "# geoip2-disabled",
		Modules: []ModuleConfig{
			{
				Name:     "ngx_devel_kit",
				Repo:     "https://github.com/vision5/ngx_devel_kit.git",
				Artifact: "ndk_http_module.so",
			},
			{
				Name:      "set-misc-nginx-module",
				Repo:      "https://github.com/openresty/set-misc-nginx-module.git",
				Artifact:  "ngx_http_set_misc_module.so",
				DependsOn: "ngx_devel_kit",
			},
			{
				Name:     "ngx_http_geoip2_module",
				Repo:     "https://github.com/leev/ngx_http_geoip2_module.git",
				Artifact: "ngx_http_geoip2_module.so",
				Feature:  "geoip2",
			},
		},
	}
}

// checkModules reports repeated names or artifacts and depends_on values
// naming no configured module.
func checkModules(config *Config) []string {
	var errorMessages []string
	seenName := make(map[string]int, len(config.Modules))
	seenArtifact := make(map[string]int, len(config.Modules))
	for i, m := range config.Modules {
		if first, ok := seenName[m.Name]; ok && m.Name != "" {
			errorMessages = append(errorMessages, fmt.Sprintf("In modules #%d: field 'name' repeats modules #%d (%q)", i, first, m.Name))
		} else {
			seenName[m.Name] = i
		}
		if first, ok := seenArtifact[m.Artifact]; ok && m.Artifact != "" {
			errorMessages = append(errorMessages, fmt.Sprintf("In modules #%d: field 'artifact' repeats modules #%d (%q)", i, first, m.Artifact))
		} else {
			seenArtifact[m.Artifact] = i
		}
	}
	for i, m := range config.Modules {
		if m.DependsOn == "" {
			continue
		}
		if _, ok := config.Module(m.DependsOn); !ok {
			errorMessages = append(errorMessages, fmt.Sprintf("In modules #%d: field 'depends_on' references unknown module %q", i, m.DependsOn))
		}
	}
	return errorMessages
}

func validateConfig(config *Config) error {
	validate := validator.New()

	// Register custom error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	errorMessages := checkModules(config)

	err := validate.Struct(config)
	if err != nil {
		if _, ok := err.(*validator.InvalidValidationError); ok {
			return fmt.Errorf("internal validation error: %v", err)
		}

		for _, err := range err.(validator.ValidationErrors) {
			path := readablePath(err.Namespace())

			var msg string
			switch err.Tag() {
			case "required":
				msg = fmt.Sprintf("field '%s' is required", err.Field())
			case "min":
				msg = fmt.Sprintf("field '%s' must have at least %s items", err.Field(), err.Param())
			case "endswith":
				msg = fmt.Sprintf("field '%s' must end with %s", err.Field(), err.Param())
			case "nefield":
				msg = fmt.Sprintf("field '%s' cannot equal '%s'", err.Field(), strings.ToLower(err.Param()))
			default:
				msg = fmt.Sprintf("field '%s' failed validation: %s", err.Field(), err.Tag())
			}

			if path == "" {
				errorMessages = append(errorMessages, msg)
			} else {
				errorMessages = append(errorMessages, fmt.Sprintf("In %s: %s", path, msg))
			}
		}
	}

	if len(errorMessages) > 0 {
		return fmt.Errorf("validation errors:\n- %s", strings.Join(errorMessages, "\n- "))
	}
	return nil
}

// readablePath turns "Config.modules[1].artifact" into "modules #1".
func readablePath(namespace string) string {
	parts := strings.Split(strings.TrimPrefix(namespace, "Config."), ".")
	var pathParts []string

	for i, part := range parts {
		if strings.Contains(part, "[") {
			base := part[:strings.Index(part, "[")]
			index := part[strings.Index(part, "[")+1 : strings.Index(part, "]")]
			pathParts = append(pathParts, fmt.Sprintf("%s #%s", strings.ToLower(base), index))
		} else if i > 0 && i < len(parts)-1 {
			if !strings.HasSuffix(parts[i-1], "]") {
				pathParts = append(pathParts, strings.ToLower(part))
			}
		}
	}

	return strings.Join(pathParts, " ")
}

// ApplyOverrides copies every non-zero field of overrides (typically from
// command line flags) onto config and validates the result.
func ApplyOverrides(config *Config, overrides Config) error {
	if err := mergo.Merge(config, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to apply overrides: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("config validation failed: %v", err)
	}
	return nil
}

// Load returns the file at path laid over the defaults. An empty path
// yields the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		config := Defaults()
		if err := validateConfig(&config); err != nil {
			return nil, fmt.Errorf("config validation failed: %v", err)
		}
		return &config, nil
	}
	config, _, err := ReadConfig(path)
	return config, err
}

func ReadConfig(path string) (*Config, any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	// Keys the file leaves out keep their default; explicit zero values win.
	config := Defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %v", err)
	}

	rawConfig, err := RawConfig(&config)
	if err != nil {
		return nil, nil, err
	}

	return &config, rawConfig, nil
}

// RawConfig is the effective config as generic yaml data, for querying.
func RawConfig(config *Config) (any, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("error encoding effective config: %v", err)
	}

	var rawConfig interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("error parsing YAML into config struct: %v", err)
	}
	return rawConfig, nil
}

// Module looks a module up by name.
func (c *Config) Module(name string) (ModuleConfig, bool) {
	for _, m := range c.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleConfig{}, false
}

func QueryConfig(data interface{}, query string) (interface{}, error) {
	return jmespath.Search(query, data)
}
