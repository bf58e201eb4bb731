package engine

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestRepairFencedBlock(t *testing.T) {
	raw := "Here is the extracted data:\n```json\n{\"name\": \"Ada Lovelace\", \"year\": \"1842\"}\n```\nLet me know if you need more."
	got, err := RepairJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"name": "Ada Lovelace", "year": "1842"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRepairBareObjectWithProse(t *testing.T) {
	raw := `Sure! Here it is: {"invoice_number": "INV-42"} hope that helps.`
	got, err := RepairJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got["invoice_number"] != "INV-42" {
		t.Fatalf("got %v", got)
	}
}

func TestRepairDuplicateKeysBecomeArray(t *testing.T) {
	raw := `{"item": "pen", "item": "paper", "item": "stapler",`
	got, err := RepairJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := got["item"].([]any)
	if !ok {
		t.Fatalf("item = %v (%T), want array", got["item"], got["item"])
	}
	if len(arr) != 3 || arr[0] != "pen" || arr[2] != "stapler" {
		t.Fatalf("item = %v", arr)
	}
}

func TestRepairNestedObject(t *testing.T) {
	raw := `{"name": "Ada", "address": {"city": "Oslo", "zip": "0150"}, "phone": "555",`
	got, err := RepairJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	addr, ok := got["address"].(map[string]any)
	if !ok {
		t.Fatalf("address = %v (%T)", got["address"], got["address"])
	}
	if addr["city"] != "Oslo" || addr["zip"] != "0150" {
		t.Fatalf("address = %v", addr)
	}
	if got["name"] != "Ada" || got["phone"] != "555" {
		t.Fatalf("got %v", got)
	}
}

func TestRepairStringArray(t *testing.T) {
	raw := `{"tags": ["urgent", "invoice"], "status": "open",`
	got, err := RepairJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	tags, ok := got["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "urgent" || tags[1] != "invoice" {
		t.Fatalf("tags = %v", got["tags"])
	}
}

func TestRepairNumericKeysBecomeEntities(t *testing.T) {
	raw := `{"1": "John", "name": "John Doe", "2": "Jane",`
	got, err := RepairJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	entities, ok := got["entities"].([]any)
	if !ok || len(entities) != 2 {
		t.Fatalf("entities = %v", got["entities"])
	}
	first, ok := entities[0].(map[string]any)
	if !ok || first["id"] != "1" || first["value"] != "John" {
		t.Fatalf("first entity = %v", entities[0])
	}
	// The nearby named field folds into the closest entity instead of
	// staying top-level.
	if first["name"] != "John Doe" {
		t.Fatalf("first entity = %v", first)
	}
	if _, stillThere := got["name"]; stillThere {
		t.Fatalf("named field left at top level: %v", got)
	}
}

func TestRepairValidJSONNumericKeys(t *testing.T) {
	raw := `{"1": {"label": "total"}, "title": "receipt"}`
	got, err := RepairJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got["title"] != "receipt" {
		t.Fatalf("got %v", got)
	}
	entities, ok := got["entities"].([]any)
	if !ok || len(entities) != 1 {
		t.Fatalf("entities = %v", got["entities"])
	}
	e := entities[0].(map[string]any)
	if e["id"] != "1" || e["label"] != "total" {
		t.Fatalf("entity = %v", e)
	}
}

func TestRepairUnrepairable(t *testing.T) {
	_, err := RepairJSON("I cannot read this image, sorry.")
	if !errors.Is(err, ErrUnrepairable) {
		t.Fatalf("err = %v, want ErrUnrepairable", err)
	}
}

func TestRepairIdempotent(t *testing.T) {
	inputs := []string{
		`{"item": "pen", "item": "paper",`,
		`{"name": "Ada", "address": {"city": "Oslo"}, "phone": "555",`,
		`{"tags": ["a", "b"], "status": "open",`,
		`{"1": "John", "name": "John Doe",`,
	}
	for _, raw := range inputs {
		first, err := RepairJSON(raw)
		if err != nil {
			t.Fatalf("%q: %v", raw, err)
		}
		doc, err := json.Marshal(first)
		if err != nil {
			t.Fatalf("%q: marshal: %v", raw, err)
		}
		second, err := RepairJSON(string(doc))
		if err != nil {
			t.Fatalf("%q: second pass: %v", raw, err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("%q: not idempotent:\nfirst  %v\nsecond %v", raw, first, second)
		}
	}
}

func TestNormalizeFieldName(t *testing.T) {
	cases := map[string]string{
		"Full Name:":    "full_name",
		"  Phone #  ":   "phone",
		"Date-of-Birth": "date_of_birth",
		"amount":        "amount",
	}
	for in, want := range cases {
		if got := normalizeFieldName(in); got != want {
			t.Errorf("normalizeFieldName(%q) = %q, want %q", in, got, want)
		}
	}
}
