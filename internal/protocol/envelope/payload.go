package envelope

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"e2e_vault/internal/codec"
	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
)

// LabelFields are the fields decrypted when only a secret's label is needed.
var LabelFields = []string{"name", "key"}

type decryptOptions struct {
	only map[string]struct{}
}

type DecryptOption func(*decryptOptions)

// OnlyFields restricts decryption to leaves whose nearest field name is one of names.
// Other leaves are left out of the result.
func OnlyFields(names ...string) DecryptOption {
	return func(o *decryptOptions) {
		o.only = make(map[string]struct{}, len(names))
		for _, n := range names {
			o.only[n] = struct{}{}
		}
	}
}

func EncryptLeaf(key []byte, plaintext string) (string, error) {
	return sealString(key, codec.UTF8ToBytes(plaintext))
}

func DecryptLeaf(key []byte, ciphertext string) (string, error) {
	plain, err := openString(key, ciphertext)
	if err != nil {
		return "", err
	}
	s, err := codec.BytesToUTF8(plain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", verrors.ErrDecryptionFailed, err)
	}
	return s, nil
}

// EncryptPayload encrypts every leaf of v individually. Structure stays in clear.
func EncryptPayload(v model.Value, key []byte) (model.Value, error) {
	switch v.Kind() {
	case model.KindList:
		items := v.Items()
		out := make([]model.Value, len(items))
		for i, item := range items {
			enc, err := EncryptPayload(item, key)
			if err != nil {
				return model.Value{}, err
			}
			out[i] = enc
		}
		return model.List(out...), nil
	case model.KindFields:
		fields := v.Fields()
		out := make(map[string]model.Value, len(fields))
		for name, f := range fields {
			enc, err := EncryptPayload(f, key)
			if err != nil {
				return model.Value{}, err
			}
			out[name] = enc
		}
		return model.Fields(out), nil
	default:
		s, ok := v.String()
		if !ok {
			return model.Value{}, fmt.Errorf("%w: cannot encrypt an unavailable value", verrors.ErrInvalidInput)
		}
		ct, err := EncryptLeaf(key, s)
		if err != nil {
			return model.Value{}, err
		}
		return model.Leaf(ct), nil
	}
}

// DecryptPayload reverses EncryptPayload. A leaf that fails to decrypt becomes model.Unavailable
// and is reported as a *errors.FieldError; the rest of the value is still returned.
func DecryptPayload(v model.Value, key []byte, opts ...DecryptOption) (model.Value, error) {
	var o decryptOptions
	for _, opt := range opts {
		opt(&o)
	}

	d := &decrypter{key: key, opts: o}
	out, _ := d.fold(v, nil, "")
	return out, errors.Join(d.errs...)
}

type decrypter struct {
	key  []byte
	opts decryptOptions
	errs []error
}

func (d *decrypter) fold(v model.Value, path []string, field string) (model.Value, bool) {
	switch v.Kind() {
	case model.KindList:
		var out []model.Value
		for i, item := range v.Items() {
			if dec, ok := d.fold(item, append(path, strconv.Itoa(i)), field); ok {
				out = append(out, dec)
			}
		}
		return model.List(out...), true
	case model.KindFields:
		out := map[string]model.Value{}
		for _, name := range v.FieldNames() {
			f, _ := v.Field(name)
			if dec, ok := d.fold(f, append(path, name), name); ok {
				out[name] = dec
			}
		}
		return model.Fields(out), true
	default:
		if d.opts.only != nil {
			if _, ok := d.opts.only[field]; !ok {
				return model.Value{}, false
			}
		}
		ct, ok := v.String()
		if !ok {
			d.fail(path, verrors.ErrDecryptionFailed)
			return model.Unavailable(), true
		}
		plain, err := DecryptLeaf(d.key, ct)
		if err != nil {
			d.fail(path, err)
			return model.Unavailable(), true
		}
		return model.Leaf(plain), true
	}
}

func (d *decrypter) fail(path []string, err error) {
	d.errs = append(d.errs, &verrors.FieldError{Path: strings.Join(path, "."), Err: err})
}
