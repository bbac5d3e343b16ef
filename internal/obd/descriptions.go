package obd

import (
	_ "embed"
	"sync"

	"obdlink/pkg/log"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed descriptions.yaml
var descriptionsYAML []byte

type descriptionTable struct {
	Codes map[string]string `yaml:"codes"`
}

var descriptions = sync.OnceValue(func() map[string]string {
	var t descriptionTable
	if err := yaml.Unmarshal(descriptionsYAML, &t); err != nil {
		log.Error("failed to load DTC descriptions", zap.Error(err))
		return map[string]string{}
	}
	return t.Codes
})

// Describe returns the description for code, or "" when the table has none.
func Describe(code string) string {
	return descriptions()[code]
}
