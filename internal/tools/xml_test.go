package tools

import (
	"strings"
	"testing"
)

var shellSpec = &XMLSpec{
	Tag: "execute-command",
	Mappings: []XMLMapping{
		{Param: "command", NodeType: XMLNodeContent, Required: true},
		{Param: "folder", NodeType: XMLNodeAttribute, Path: "folder"},
	},
}

func TestParseXMLContentAndAttribute(t *testing.T) {
	args, err := ParseXML(shellSpec, `<execute-command folder="src">npm test</execute-command>`)
	if err != nil {
		t.Fatal(err)
	}
	if args["command"] != "npm test" {
		t.Errorf("command = %q, want %q", args["command"], "npm test")
	}
	if args["folder"] != "src" {
		t.Errorf("folder = %q, want %q", args["folder"], "src")
	}
}

func TestParseXMLOptionalAttributeOmitted(t *testing.T) {
	args, err := ParseXML(shellSpec, `<execute-command>ls</execute-command>`)
	if err != nil {
		t.Fatal(err)
	}
	if _, present := args["folder"]; present {
		t.Error("folder should be absent when attribute is missing")
	}
}

func TestParseXMLMissingRequired(t *testing.T) {
	spec := &XMLSpec{
		Tag: "str-replace",
		Mappings: []XMLMapping{
			{Param: "path", NodeType: XMLNodeAttribute, Path: "path", Required: true},
			{Param: "old_str", NodeType: XMLNodeElement, Path: "old_str", Required: true},
			{Param: "new_str", NodeType: XMLNodeElement, Path: "new_str", Required: true},
		},
	}
	_, err := ParseXML(spec, `<str-replace path="a.go"><old_str>x</old_str></str-replace>`)
	if err == nil || !strings.Contains(err.Error(), "new_str") {
		t.Errorf("want missing-element error for new_str, got %v", err)
	}
}

func TestParseXMLElements(t *testing.T) {
	spec := &XMLSpec{
		Tag: "str-replace",
		Mappings: []XMLMapping{
			{Param: "path", NodeType: XMLNodeAttribute, Path: "path", Required: true},
			{Param: "old_str", NodeType: XMLNodeElement, Path: "old_str", Required: true},
			{Param: "new_str", NodeType: XMLNodeElement, Path: "new_str", Required: true},
		},
	}
	args, err := ParseXML(spec, `<str-replace path="main.go"><old_str>foo()</old_str><new_str>bar()</new_str></str-replace>`)
	if err != nil {
		t.Fatal(err)
	}
	if args["old_str"] != "foo()" || args["new_str"] != "bar()" {
		t.Errorf("got old=%q new=%q", args["old_str"], args["new_str"])
	}
}

func TestParseXMLCoercion(t *testing.T) {
	spec := &XMLSpec{
		Tag: "read-file",
		Mappings: []XMLMapping{
			{Param: "path", NodeType: XMLNodeAttribute, Path: "path", Required: true},
			{Param: "start_line", NodeType: XMLNodeAttribute, Path: "start_line", Type: "int"},
		},
	}
	args, err := ParseXML(spec, `<read-file path="a.go" start_line="10"></read-file>`)
	if err != nil {
		t.Fatal(err)
	}
	// Ints come back as float64 so XML and JSON arguments look alike downstream.
	if v, ok := args["start_line"].(float64); !ok || v != 10 {
		t.Errorf("start_line = %#v, want float64(10)", args["start_line"])
	}

	_, err = ParseXML(spec, `<read-file path="a.go" start_line="ten"></read-file>`)
	if err == nil {
		t.Error("want coercion error for non-numeric int attribute")
	}
}

func TestParseXMLTextNode(t *testing.T) {
	spec := &XMLSpec{
		Tag: "ask",
		Mappings: []XMLMapping{
			{Param: "question", NodeType: XMLNodeText, Required: true},
			{Param: "options", NodeType: XMLNodeElement, Path: "options"},
		},
	}

	args, err := ParseXML(spec, `<ask>What now?</ask>`)
	if err != nil {
		t.Fatal(err)
	}
	if args["question"] != "What now?" {
		t.Errorf("question = %q", args["question"])
	}

	// text excludes child elements; content would keep them verbatim.
	args, err = ParseXML(spec, `<ask>Pick one: <options>a, b</options> please</ask>`)
	if err != nil {
		t.Fatal(err)
	}
	if args["question"] != "Pick one:  please" {
		t.Errorf("question = %q, want child element stripped", args["question"])
	}
	if args["options"] != "a, b" {
		t.Errorf("options = %q", args["options"])
	}
}

func TestParseXMLTextKeepsBareAngleBrackets(t *testing.T) {
	spec := &XMLSpec{
		Tag:      "ask",
		Mappings: []XMLMapping{{Param: "question", NodeType: XMLNodeText, Required: true}},
	}
	args, err := ParseXML(spec, `<ask>is 1 < 2 and x <y?</ask>`)
	if err != nil {
		t.Fatal(err)
	}
	// "<y?" is not an element open; both brackets stay text.
	if args["question"] != "is 1 < 2 and x <y?" {
		t.Errorf("question = %q", args["question"])
	}
}

func TestParseXMLBooleanCoercion(t *testing.T) {
	spec := &XMLSpec{
		Tag: "web-search",
		Mappings: []XMLMapping{
			{Param: "query", NodeType: XMLNodeContent, Required: true},
			{Param: "cached", NodeType: XMLNodeAttribute, Path: "cached", Type: "boolean"},
			{Param: "fresh", NodeType: XMLNodeAttribute, Path: "fresh", Type: "bool"},
		},
	}
	args, err := ParseXML(spec, `<web-search cached="true" fresh="false">golang</web-search>`)
	if err != nil {
		t.Fatal(err)
	}
	if args["cached"] != true {
		t.Errorf(`cached = %#v, want true via "boolean"`, args["cached"])
	}
	if args["fresh"] != false {
		t.Errorf(`fresh = %#v, want false via "bool"`, args["fresh"])
	}

	_, err = ParseXML(spec, `<web-search cached="maybe">x</web-search>`)
	if err == nil {
		t.Error("want coercion error for non-boolean attribute")
	}
}

func TestParseXMLRejectsNestedSameTag(t *testing.T) {
	spec := &XMLSpec{
		Tag:      "ask",
		Mappings: []XMLMapping{{Param: "text", NodeType: XMLNodeContent, Required: true}},
	}
	_, err := ParseXML(spec, `<ask>outer <ask>inner</ask> tail</ask>`)
	if err == nil {
		t.Error("want error for nested identical tag")
	}
}

func TestParseXMLBareAngleBracketsInBody(t *testing.T) {
	args, err := ParseXML(shellSpec, `<execute-command>grep "a<b" file.c</execute-command>`)
	if err != nil {
		t.Fatal(err)
	}
	if args["command"] != `grep "a<b" file.c` {
		t.Errorf("command = %q", args["command"])
	}
}

func TestParseXMLUnescapesEntities(t *testing.T) {
	args, err := ParseXML(shellSpec, `<execute-command>echo &quot;a &amp; b&quot;</execute-command>`)
	if err != nil {
		t.Fatal(err)
	}
	if args["command"] != `echo "a & b"` {
		t.Errorf("command = %q", args["command"])
	}
}

func TestParseXMLMissingCloseTag(t *testing.T) {
	_, err := ParseXML(shellSpec, `<execute-command>ls`)
	if err == nil {
		t.Error("want error for missing close tag")
	}
}
