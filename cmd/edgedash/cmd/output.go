package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// printStructured writes v as JSON or YAML and reports whether the output format asked for it
func printStructured(v interface{}) (bool, error) {
	switch {
	case isJSONOutput():
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return true, encoder.Encode(v)
	case isYAMLOutput():
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return true, err
		}
		return true, encoder.Close()
	}
	return false, nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func humanHertz(hz float64) string {
	if hz <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f GHz", hz/1e9)
}

func boolToYesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
