package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// definition is the subset of a launchd property list the scanner reads.
type definition struct {
	Label            string   `plist:"Label"`
	Program          string   `plist:"Program"`
	ProgramArguments []string `plist:"ProgramArguments"`
	RunAtLoad        bool     `plist:"RunAtLoad"`
	// KeepAlive is either a bool or a dictionary of conditions.
	KeepAlive any `plist:"KeepAlive"`
}

// readDefinition parses the launchd definition at path. XML, binary and
// OpenStep property lists are accepted.
func readDefinition(path string) (definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return definition{}, err
	}
	var def definition
	if _, err := plist.Unmarshal(data, &def); err != nil {
		return definition{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return def, nil
}

// itemFromDefinition builds the record for a definition file. The label
// falls back to the file name, the name to the program path, then the
// first program argument, then the label.
func itemFromDefinition(def definition, path string, kind Kind) Item {
	label := strings.TrimSpace(def.Label)
	if label == "" {
		label = strings.TrimSuffix(filepath.Base(path), ".plist")
	}

	program := def.Program
	if program == "" && len(def.ProgramArguments) > 0 {
		program = def.ProgramArguments[0]
	}

	name := label
	if program != "" {
		name = filepath.Base(program)
	}

	return Item{
		Name:       name,
		Kind:       kind,
		Label:      label,
		SourcePath: path,
		Program:    program,
		Location:   filepath.Dir(path),
		RunAtLoad:  def.RunAtLoad,
		KeepAlive:  keepAliveSet(def.KeepAlive),
	}
}

func keepAliveSet(v any) bool {
	switch kv := v.(type) {
	case bool:
		return kv
	case map[string]any:
		return len(kv) > 0
	default:
		return false
	}
}
