package envelope

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"e2e_vault/internal/codec"
	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"
)

type ViewState int

const (
	StateUnwrapped ViewState = iota
	StateKeyResolved
	StateFieldRevealed
	StateDiscarded
)

func (s ViewState) String() string {
	switch s {
	case StateUnwrapped:
		return "unwrapped"
	case StateKeyResolved:
		return "key_resolved"
	case StateFieldRevealed:
		return "field_revealed"
	default:
		return "discarded"
	}
}

// SecretView holds one secret's ciphertext while it is on screen. Fields are revealed on demand and may
// auto-hide after the blink delay.
type SecretView struct {
	mu       sync.Mutex
	payload  model.Value
	key      []byte
	revealed map[string]string
	timers   map[string]*time.Timer
	blink    time.Duration
	onHide   func(path string)
	done     bool
}

func NewSecretView(payload model.Value, blink time.Duration) *SecretView {
	return &SecretView{
		payload:  payload,
		revealed: make(map[string]string),
		timers:   make(map[string]*time.Timer),
		blink:    blink,
	}
}

// OnHide registers a callback run after a field is hidden by the blink timer.
func (v *SecretView) OnHide(fn func(path string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onHide = fn
}

func (v *SecretView) State() ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case v.done:
		return StateDiscarded
	case v.key == nil:
		return StateUnwrapped
	case len(v.revealed) > 0:
		return StateFieldRevealed
	default:
		return StateKeyResolved
	}
}

// Resolve caches the secret key. It is a no-op once a key is cached.
func (v *SecretView) Resolve(resolve func() ([]byte, error)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.done {
		return fmt.Errorf("%w: view discarded", verrors.ErrInvalidInput)
	}
	if v.key != nil {
		return nil
	}
	key, err := resolve()
	if err != nil {
		return err
	}
	v.key = key
	return nil
}

// Labels decrypts only the label fields.
func (v *SecretView) Labels() (model.Value, error) {
	v.mu.Lock()
	key := append([]byte(nil), v.key...)
	v.mu.Unlock()
	defer codec.Wipe(key)
	if len(key) == 0 {
		return model.Value{}, verrors.ErrNoSession
	}
	return DecryptPayload(v.payload, key, OnlyFields(LabelFields...))
}

// Reveal decrypts the leaf at path and keeps it until hidden.
func (v *SecretView) Reveal(path ...string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.revealLocked(path)
}

// Blink reveals the leaf at path and hides it again after the blink delay.
func (v *SecretView) Blink(path ...string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	plain, err := v.revealLocked(path)
	if err != nil {
		return "", err
	}
	v.scheduleHideLocked(strings.Join(path, "."))
	return plain, nil
}

// scheduleHideLocked replaces any pending hide of p with one due after the blink delay.
func (v *SecretView) scheduleHideLocked(p string) {
	if t, ok := v.timers[p]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(v.blink, func() {
		v.mu.Lock()
		// superseded by a later reveal or hide
		if v.timers[p] != t {
			v.mu.Unlock()
			return
		}
		delete(v.timers, p)
		_, shown := v.revealed[p]
		delete(v.revealed, p)
		cb := v.onHide
		v.mu.Unlock()
		if shown && cb != nil {
			cb(p)
		}
	})
	v.timers[p] = t
}

func (v *SecretView) revealLocked(path []string) (string, error) {
	if v.done || v.key == nil {
		return "", verrors.ErrNoSession
	}
	p := strings.Join(path, ".")
	if s, ok := v.revealed[p]; ok {
		return s, nil
	}
	leaf, ok := v.payload.Lookup(path...)
	if !ok || leaf.Kind() != model.KindLeaf {
		return "", fmt.Errorf("%w: no field %q", verrors.ErrNotFound, p)
	}
	ct, _ := leaf.String()
	plain, err := DecryptLeaf(v.key, ct)
	if err != nil {
		return "", &verrors.FieldError{Path: p, Err: err}
	}
	v.revealed[p] = plain
	return plain, nil
}

// Revealed returns the plaintext of a currently revealed field.
func (v *SecretView) Revealed(path ...string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.revealed[strings.Join(path, ".")]
	return s, ok
}

func (v *SecretView) Hide(path ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p := strings.Join(path, ".")
	if t, ok := v.timers[p]; ok {
		t.Stop()
		delete(v.timers, p)
	}
	delete(v.revealed, p)
}

// Discard stops timers, forgets revealed plaintext and wipes the cached key.
func (v *SecretView) Discard() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for p, t := range v.timers {
		t.Stop()
		delete(v.timers, p)
	}
	v.revealed = make(map[string]string)
	codec.Wipe(v.key)
	v.key = nil
	v.done = true
}
