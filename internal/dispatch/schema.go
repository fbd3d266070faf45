package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	invschema "github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/austinkregel/codemd/internal/apperr"
)

// argSchema validates and decodes the args of one command
type argSchema struct {
	raw      []byte
	compiled *jsonschema.Schema
}

// reflectArgs derives a JSON Schema from an args struct. Only fields tagged
// `jsonschema:"required"` are required and unknown properties are rejected.
func reflectArgs(name string, args any) (*argSchema, error) {
	r := &invschema.Reflector{
		AllowAdditionalProperties:  false,
		ExpandedStruct:             true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		Anonymous:                  true,
	}
	s := r.Reflect(args)
	s.Title = name

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for %s: %w", name, err)
	}

	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource for %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", name, err)
	}
	return &argSchema{raw: raw, compiled: compiled}, nil
}

// decode validates args and decodes them into out
func (s *argSchema) decode(args map[string]any, out any) error {
	// the validator only understands plain JSON values
	normalized := map[string]any{}
	if len(args) > 0 {
		data, err := json.Marshal(args)
		if err != nil {
			return apperr.Validation("args", err.Error())
		}
		if err := json.Unmarshal(data, &normalized); err != nil {
			return apperr.Validation("args", err.Error())
		}
	}
	args = normalized

	if err := s.compiled.Validate(args); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return validationError(ve)
		}
		return apperr.Validation("args", err.Error())
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if err != nil {
		return apperr.Internal(err)
	}
	if err := dec.Decode(args); err != nil {
		return apperr.Validation("args", err.Error())
	}
	return nil
}

var quotedName = regexp.MustCompile(`'([^']+)'`)

// validationError reduces a schema failure to the first leaf cause and
// names the offending argument.
func validationError(ve *jsonschema.ValidationError) error {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	field := pointerToField(leaf.InstanceLocation)
	if field == "" {
		// missing or unexpected properties are reported against the object
		if m := quotedName.FindStringSubmatch(leaf.Message); m != nil {
			field = m[1]
		} else {
			field = "args"
		}
	}
	return apperr.Validation(field, leaf.Message)
}

// pointerToField turns a JSON pointer such as /paths/1 into paths[1]
func pointerToField(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	var b strings.Builder
	for i, seg := range strings.Split(ptr, "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(seg); err == nil && i > 0 {
			b.WriteString("[" + seg + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}
