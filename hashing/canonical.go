// Package hashing - deterministic record serialization and digests
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"unicode/utf8"

	"github.com/alwitt/sigchain/models"
)

/*
CanonicalJSON serialize a value into its canonical JSON form

The value is first normalized through its JSON encoding, then re-emitted with object keys
sorted in byte order and no insignificant whitespace. Strings escape only the quote, the
backslash and control characters below U+0020. Numbers keep the textual form produced by
the JSON encoding. Strings and object keys must be valid UTF-8.

	@param value interface{} - value to serialize
	@returns canonical bytes
*/
func CanonicalJSON(value interface{}) ([]byte, error) {
	// json.Marshal silently replaces invalid UTF-8 with U+FFFD, so reject it beforehand
	if err := checkUTF8(reflect.ValueOf(value), 0); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: value is not JSON serializable [%w]", models.ErrEncoding, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic interface{}
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: failed to normalize value [%w]", models.ErrEncoding, err)
	}

	buf := &bytes.Buffer{}
	if err := writeCanonical(buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(v.String())
	case string:
		writeString(buf, v)
	case []interface{}:
		buf.WriteByte('[')
		for idx, elem := range v {
			if idx > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for idx, key := range keys {
			if idx > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, key)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unexpected normalized type %T", models.ErrEncoding, value)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString JSON quote a string, escaping only quotes, backslashes and control characters
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for idx := 0; idx < len(s); idx++ {
		c := s[idx]
		switch c {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if c < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xf])
			} else {
				buf.WriteByte(c)
			}
		}
	}
	buf.WriteByte('"')
}

// maxNesting bounds the UTF-8 walk; json.Marshal rejects cyclic values on its own
const maxNesting = 1000

var jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// checkUTF8 reject any string or string map key inside value that is not valid UTF-8
func checkUTF8(value reflect.Value, depth int) error {
	if !value.IsValid() {
		return nil
	}
	if depth > maxNesting {
		return fmt.Errorf("%w: value nested deeper than %d levels", models.ErrEncoding, maxNesting)
	}
	kind := value.Kind()
	if kind != reflect.Interface && value.Type().Implements(jsonMarshalerType) {
		return nil
	}
	switch kind {
	case reflect.String:
		if !utf8.ValidString(value.String()) {
			return fmt.Errorf("%w: string is not valid UTF-8", models.ErrEncoding)
		}
	case reflect.Interface, reflect.Pointer:
		if value.IsNil() {
			return nil
		}
		return checkUTF8(value.Elem(), depth+1)
	case reflect.Slice:
		// byte slices encode as base64
		if value.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		fallthrough
	case reflect.Array:
		for idx := 0; idx < value.Len(); idx++ {
			if err := checkUTF8(value.Index(idx), depth+1); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := value.MapRange()
		for iter.Next() {
			if key := iter.Key(); key.Kind() == reflect.String && !utf8.ValidString(key.String()) {
				return fmt.Errorf("%w: object key is not valid UTF-8", models.ErrEncoding)
			}
			if err := checkUTF8(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		structType := value.Type()
		for idx := 0; idx < structType.NumField(); idx++ {
			field := structType.Field(idx)
			if !field.IsExported() || field.Tag.Get("json") == "-" {
				continue
			}
			if err := checkUTF8(value.Field(idx), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

/*
Canonicalize produce the canonical byte form of a record positioned after previousHash

	@param record models.Record - the record
	@param previousHash string - hash of the preceding record. Empty means genesis.
	@returns canonical bytes
*/
func Canonicalize(record models.Record, previousHash string) ([]byte, error) {
	if previousHash == "" {
		previousHash = models.ZeroHash
	}
	return CanonicalJSON(map[string]interface{}{
		"id":           record.ID,
		"type":         record.Type,
		"data":         record.Data,
		"timestamp":    record.Timestamp,
		"previousHash": previousHash,
		"userId":       record.UserID,
	})
}

// Digest lowercase hex SHA-256 of payload
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

/*
HashRecord compute the chain hash of a record

	@param record models.Record - the record
	@param previousHash string - hash of the preceding record. Empty means genesis.
	@returns 64 character lowercase hex hash
*/
func HashRecord(record models.Record, previousHash string) (string, error) {
	payload, err := Canonicalize(record, previousHash)
	if err != nil {
		return "", err
	}
	return Digest(payload), nil
}

// IsDigest whether s has the form of a hash produced by Digest
func IsDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
