package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Node types an XML mapping can read from.
const (
	XMLNodeAttribute = "attribute" // attribute on the root tag
	XMLNodeElement   = "element"   // text of a child element
	XMLNodeText      = "text"      // inner text with child elements stripped
	XMLNodeContent   = "content"   // entire inner body of the root tag, verbatim
)

// XMLSpec describes a tool's XML invocation format: the root tag and how its
// parts map onto the tool's JSON parameters.
type XMLSpec struct {
	Tag      string       `json:"tag"`
	Mappings []XMLMapping `json:"mappings"`
	Example  string       `json:"example,omitempty"`
}

// XMLMapping binds one parameter to a location in the XML fragment.
type XMLMapping struct {
	Param    string `json:"param"`
	NodeType string `json:"node_type"`
	Path     string `json:"path,omitempty"`       // attribute or element name; unused for content
	Type     string `json:"value_type,omitempty"` // "string" (default), "int", "float", "boolean", "json"
	Required bool   `json:"required,omitempty"`
}

// ParseXML extracts tool arguments from a complete XML fragment according to
// the spec. Fragments are scanned textually, not XML-decoded: element bodies
// routinely hold code with bare angle brackets that a strict parser rejects.
//
// A fragment whose body opens another instance of the root tag is rejected;
// nesting a call inside itself has no defined argument mapping.
func ParseXML(spec *XMLSpec, fragment string) (map[string]interface{}, error) {
	openStart := strings.Index(fragment, "<"+spec.Tag)
	if openStart < 0 {
		return nil, fmt.Errorf("xml: missing <%s> tag", spec.Tag)
	}
	openEnd := strings.Index(fragment[openStart:], ">")
	if openEnd < 0 {
		return nil, fmt.Errorf("xml: unterminated <%s> opening tag", spec.Tag)
	}
	openEnd += openStart

	closeTag := "</" + spec.Tag + ">"
	closeStart := strings.LastIndex(fragment, closeTag)
	if closeStart < 0 || closeStart < openEnd {
		return nil, fmt.Errorf("xml: missing %s", closeTag)
	}

	attrs := parseAttrs(fragment[openStart+len(spec.Tag)+1 : openEnd])
	inner := fragment[openEnd+1 : closeStart]

	if containsOpenTag(inner, spec.Tag) {
		return nil, fmt.Errorf("xml: nested <%s> inside its own body is not supported", spec.Tag)
	}

	args := make(map[string]interface{}, len(spec.Mappings))
	for _, m := range spec.Mappings {
		var raw string
		var found bool

		switch m.NodeType {
		case XMLNodeAttribute:
			raw, found = attrs[m.Path]
		case XMLNodeElement:
			raw, found = extractElement(inner, m.Path)
		case XMLNodeText:
			raw, found = textContent(inner), true
		case XMLNodeContent:
			raw, found = inner, true
		default:
			return nil, fmt.Errorf("xml: mapping %q has unknown node type %q", m.Param, m.NodeType)
		}

		if !found {
			if m.Required {
				return nil, fmt.Errorf("xml: missing required %s %q for parameter %q", m.NodeType, m.Path, m.Param)
			}
			continue
		}

		val, err := coerceValue(unescapeXML(raw), m.Type)
		if err != nil {
			return nil, fmt.Errorf("xml: parameter %q: %w", m.Param, err)
		}
		args[m.Param] = val
	}

	return args, nil
}

// containsOpenTag reports whether s opens tag (as "<tag>" or "<tag ...").
func containsOpenTag(s, tag string) bool {
	for start := 0; ; {
		i := strings.Index(s[start:], "<"+tag)
		if i < 0 {
			return false
		}
		rest := s[start+i+len(tag)+1:]
		if rest == "" {
			return false
		}
		switch rest[0] {
		case '>', ' ', '\t', '\n', '/':
			return true
		}
		start += i + 1
	}
}

// parseAttrs scans key="value" pairs from an opening tag's attribute section.
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for i := 0; i < len(s); {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n') {
			i++
		}
		start := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			break
		}
		key := strings.TrimSpace(s[start:i])
		i++ // skip '='
		if i >= len(s) {
			break
		}
		quote := s[i]
		if quote != '"' && quote != '\'' {
			break
		}
		i++
		end := strings.IndexByte(s[i:], quote)
		if end < 0 {
			break
		}
		attrs[key] = s[i : i+end]
		i += end + 1
	}
	return attrs
}

// textContent returns the text nodes directly under the root, with complete
// child elements removed. Unlike content, a mapping reading text does not see
// markup destined for element mappings.
func textContent(inner string) string {
	var b strings.Builder
	for i := 0; i < len(inner); {
		lt := strings.IndexByte(inner[i:], '<')
		if lt < 0 {
			b.WriteString(inner[i:])
			break
		}
		b.WriteString(inner[i : i+lt])
		rest := inner[i+lt:]

		name := childTagName(rest)
		if name == "" {
			// Bare '<' (code, comparisons): keep it as text.
			b.WriteByte('<')
			i += lt + 1
			continue
		}
		end := strings.Index(rest, "</"+name+">")
		if end < 0 {
			// Unclosed child: treat the remainder as text.
			b.WriteString(rest)
			break
		}
		i += lt + end + len("</"+name+">")
	}
	return strings.TrimSpace(b.String())
}

// childTagName extracts the tag name if s (starting at '<') opens an element.
func childTagName(s string) string {
	i := 1
	for i < len(s) && (s[i] == '-' || s[i] == '_' ||
		(s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') ||
		(s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	if i == 1 || i >= len(s) {
		return ""
	}
	if s[i] != '>' && s[i] != ' ' && s[i] != '\t' && s[i] != '\n' {
		return ""
	}
	return s[1:i]
}

// extractElement returns the inner text of the first <name>...</name> pair.
func extractElement(inner, name string) (string, bool) {
	open := "<" + name + ">"
	start := strings.Index(inner, open)
	if start < 0 {
		return "", false
	}
	rest := inner[start+len(open):]
	end := strings.Index(rest, "</"+name+">")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

func coerceValue(raw, valueType string) (interface{}, error) {
	switch valueType {
	case "", "string":
		return raw, nil
	case "int":
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("want integer, got %q", raw)
		}
		// JSON-decoded arguments carry numbers as float64; match that.
		return float64(n), nil
	case "float":
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("want number, got %q", raw)
		}
		return f, nil
	case "bool", "boolean":
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("want boolean, got %q", raw)
		}
		return b, nil
	case "json":
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid json value: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", valueType)
	}
}

func unescapeXML(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	r := strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
		"&amp;", "&",
	)
	return r.Replace(s)
}
