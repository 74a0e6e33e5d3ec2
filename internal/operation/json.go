package operation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Decoder turns a raw record payload into an Operation.
type Decoder interface {
	Decode(payload []byte) (Operation, error)
}

// JSONDecoder decodes the JSON wire format. It is the default Decoder.
type JSONDecoder struct{}

// Decode implements Decoder.
func (JSONDecoder) Decode(payload []byte) (Operation, error) {
	return Decode(payload)
}

type insertBody struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

type updateBody struct {
	Table string   `json:"table"`
	Set   []Column `json:"set"`
	Key   []Column `json:"key"`
}

type deleteBody struct {
	Table string   `json:"table"`
	Key   []Column `json:"key"`
}

type upsertBody struct {
	Table       string   `json:"table"`
	Columns     []Column `json:"columns"`
	ConflictKey []string `json:"conflict_key"`
}

// Decode parses a JSON payload of the form {"<Variant>": {...}} and validates
// the result. On failure it returns a *DecodeError and a zero Operation.
func Decode(payload []byte) (Operation, error) {
	tag, body, n, err := singleMember(payload)
	if err != nil {
		return Operation{}, decodeErr("envelope", err)
	}
	if n != 1 {
		return Operation{}, decodeErr("envelope", fmt.Errorf("%w: expected exactly one variant, got %d", ErrTypeMismatch, n))
	}

	op, err := decodeVariant(Kind(tag), body)
	if err != nil {
		return Operation{}, err
	}
	if err := op.Validate(); err != nil {
		return Operation{}, decodeErr(string(op.Kind), err)
	}
	return op, nil
}

// singleMember walks a JSON object and returns its first key, that key's raw
// value, and the number of members seen. Repeated keys are counted, so
// {"Insert":...,"Insert":...} reports two members instead of keeping the last.
func singleMember(data []byte) (string, json.RawMessage, int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return "", nil, 0, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", nil, 0, fmt.Errorf("%w: expected an object", ErrTypeMismatch)
	}

	var (
		key  string
		body json.RawMessage
		n    int
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return "", nil, 0, err
		}
		name, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return "", nil, 0, err
		}
		if n == 0 {
			key, body = name, raw
		}
		n++
	}
	if _, err := dec.Token(); err != nil {
		return "", nil, 0, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", nil, 0, errors.New("unexpected trailing data")
	}
	return key, body, n, nil
}

func decodeVariant(kind Kind, body json.RawMessage) (Operation, error) {
	switch kind {
	case KindInsert:
		var b insertBody
		if err := strictUnmarshal(body, &b, true); err != nil {
			return Operation{}, decodeErr(string(kind), err)
		}
		return Operation{Kind: kind, Table: b.Table, Columns: b.Columns}, nil
	case KindUpdate:
		var b updateBody
		if err := strictUnmarshal(body, &b, true); err != nil {
			return Operation{}, decodeErr(string(kind), err)
		}
		return Operation{Kind: kind, Table: b.Table, Set: b.Set, Key: b.Key}, nil
	case KindDelete:
		var b deleteBody
		if err := strictUnmarshal(body, &b, true); err != nil {
			return Operation{}, decodeErr(string(kind), err)
		}
		return Operation{Kind: kind, Table: b.Table, Key: b.Key}, nil
	case KindUpsert:
		var b upsertBody
		if err := strictUnmarshal(body, &b, true); err != nil {
			return Operation{}, decodeErr(string(kind), err)
		}
		return Operation{Kind: kind, Table: b.Table, Columns: b.Columns, ConflictKey: b.ConflictKey}, nil
	default:
		return Operation{}, decodeErr("envelope", fmt.Errorf("%w: %q", ErrUnknownVariant, kind))
	}
}

// strictUnmarshal decodes exactly one JSON document, keeping numbers as
// json.Number and rejecting trailing data.
func strictUnmarshal(data []byte, dst any, disallowUnknown bool) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if disallowUnknown {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected trailing data")
	}
	return nil
}

// Encode renders op in the canonical wire form accepted by Decode.
func Encode(op Operation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	var body any
	switch op.Kind {
	case KindInsert:
		body = insertBody{Table: op.Table, Columns: op.Columns}
	case KindUpdate:
		body = updateBody{Table: op.Table, Set: op.Set, Key: op.Key}
	case KindDelete:
		body = deleteBody{Table: op.Table, Key: op.Key}
	case KindUpsert:
		body = upsertBody{Table: op.Table, Columns: op.Columns, ConflictKey: op.ConflictKey}
	}
	return json.Marshal(map[string]any{string(op.Kind): body})
}

// MarshalJSON encodes the column as a [name, value] pair.
func (c Column) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Name, c.Value})
}

// UnmarshalJSON decodes a [name, value] pair.
func (c *Column) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: column must be a [name, value] pair", ErrTypeMismatch)
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: column pair has %d elements", ErrTypeMismatch, len(pair))
	}
	var name string
	if err := json.Unmarshal(pair[0], &name); err != nil {
		return fmt.Errorf("%w: column name must be a string", ErrTypeMismatch)
	}
	var v Value
	if err := v.UnmarshalJSON(pair[1]); err != nil {
		return fmt.Errorf("column %q: %w", name, err)
	}
	c.Name = name
	c.Value = v
	return nil
}

// MarshalJSON encodes Null, Integer, Text and Boolean as bare JSON scalars and
// the other kinds as single-key tagged objects, so that decoding is lossless.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueNull:
		return []byte("null"), nil
	case ValueInteger:
		return strconv.AppendInt(nil, v.i, 10), nil
	case ValueFloat:
		return json.Marshal(map[string]float64{ValueFloat.String(): v.f})
	case ValueText:
		return json.Marshal(v.s)
	case ValueBoolean:
		return json.Marshal(v.b)
	case ValueBytes:
		return json.Marshal(map[string]string{ValueBytes.String(): base64.StdEncoding.EncodeToString(v.raw)})
	case ValueTimestamp:
		return json.Marshal(map[string]string{ValueTimestamp.String(): v.t.Format(time.RFC3339Nano)})
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownValueKind, v.kind)
}

// UnmarshalJSON decodes a bare scalar or a {"<Kind>": payload} object.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", ErrTypeMismatch)
	}
	switch data[0] {
	case '[':
		return ErrNestedValue
	case '{':
		return v.unmarshalTagged(data)
	}

	var raw any
	if err := strictUnmarshal(data, &raw, false); err != nil {
		return fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	switch x := raw.(type) {
	case nil:
		*v = Null()
	case bool:
		*v = Boolean(x)
	case string:
		*v = Text(x)
	case json.Number:
		parsed, err := numberValue(x)
		if err != nil {
			return err
		}
		*v = parsed
	default:
		return fmt.Errorf("%w: unexpected %T", ErrTypeMismatch, raw)
	}
	return nil
}

func (v *Value) unmarshalTagged(data []byte) error {
	tag, payload, n, err := singleMember(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	if n != 1 {
		return ErrNestedValue
	}
	kind, ok := parseValueKind(tag)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownValueKind, tag)
	}
	parsed, err := taggedValue(kind, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", tag, err)
	}
	*v = parsed
	return nil
}

func taggedValue(kind ValueKind, payload json.RawMessage) (Value, error) {
	var raw any
	if err := strictUnmarshal(payload, &raw, false); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	mismatch := func() (Value, error) {
		return Value{}, fmt.Errorf("%w: got %T", ErrTypeMismatch, raw)
	}

	switch kind {
	case ValueNull:
		if raw != nil {
			return mismatch()
		}
		return Null(), nil
	case ValueInteger:
		n, ok := raw.(json.Number)
		if !ok {
			return mismatch()
		}
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a 64-bit integer", ErrTypeMismatch, n)
		}
		return Integer(i), nil
	case ValueFloat:
		n, ok := raw.(json.Number)
		if !ok {
			return mismatch()
		}
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a float", ErrTypeMismatch, n)
		}
		return Float(f), nil
	case ValueText:
		s, ok := raw.(string)
		if !ok {
			return mismatch()
		}
		return Text(s), nil
	case ValueBoolean:
		b, ok := raw.(bool)
		if !ok {
			return mismatch()
		}
		return Boolean(b), nil
	case ValueBytes:
		s, ok := raw.(string)
		if !ok {
			return mismatch()
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid base64: %v", ErrTypeMismatch, err)
		}
		return Bytes(b), nil
	case ValueTimestamp:
		s, ok := raw.(string)
		if !ok {
			return mismatch()
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid RFC 3339 timestamp: %v", ErrTypeMismatch, err)
		}
		return Timestamp(t), nil
	}
	return Value{}, fmt.Errorf("%w: %d", ErrUnknownValueKind, kind)
}

// numberValue maps a bare integral JSON number to Integer and a number with a
// fraction or exponent to Float. Integral literals outside int64 are rejected
// rather than rounded.
func numberValue(n json.Number) (Value, error) {
	if !strings.ContainsAny(n.String(), ".eE") {
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a 64-bit integer", ErrTypeMismatch, n)
		}
		return Integer(i), nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: number %q out of range", ErrTypeMismatch, n)
	}
	return Float(f), nil
}
