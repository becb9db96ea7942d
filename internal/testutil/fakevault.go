// Package testutil provides test doubles shared across package tests, most
// importantly an in-memory Vault-compatible server covering the KV v2 and
// Transit surfaces the gateway uses.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// FakeVaultToken is the auth token the fake server accepts.
const FakeVaultToken = "test-token"

const ciphertextPrefix = "vault:v1:"

// FakeVault is an in-memory secret store. Transit ciphertexts embed the key
// name, so decrypting under a different tenant's key fails exactly like the
// real engine. Request counts and injectable failures support retry and
// call-count assertions.
type FakeVault struct {
	server *httptest.Server

	mu       sync.Mutex
	kv       map[string]json.RawMessage
	keys     map[string]bool
	counts   map[string]int
	failures map[string]int
	sealed   bool
}

// NewFakeVault starts a fake secret store with KV mount "secret" and
// transit mount "transit". Callers must Close it.
func NewFakeVault() *FakeVault {
	fv := &FakeVault{
		kv:       make(map[string]json.RawMessage),
		keys:     make(map[string]bool),
		counts:   make(map[string]int),
		failures: make(map[string]int),
	}
	fv.server = httptest.NewServer(http.HandlerFunc(fv.handle))
	return fv
}

// Address returns the server's base URL.
func (fv *FakeVault) Address() string {
	return fv.server.URL
}

// Close shuts the server down.
func (fv *FakeVault) Close() {
	fv.server.Close()
}

// Seal makes the health endpoint report the store as down.
func (fv *FakeVault) Seal() {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	fv.sealed = true
}

// FailTimes makes the next n requests to method+path return 500.
func (fv *FakeVault) FailTimes(method, path string, n int) {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	fv.failures[method+" "+path] = n
}

// Requests returns how many times method+path has been called, not counting
// injected failures' retries separately (every attempt counts).
func (fv *FakeVault) Requests(method, path string) int {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	return fv.counts[method+" "+path]
}

// HasKey reports whether a transit key exists.
func (fv *FakeVault) HasKey(name string) bool {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	return fv.keys[name]
}

// RawRecord returns the stored KV payload at a data path suffix, e.g.
// "tenant-1/github", so tests can assert on the at-rest form.
func (fv *FakeVault) RawRecord(path string) (json.RawMessage, bool) {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	record, ok := fv.kv[path]
	return record, ok
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (fv *FakeVault) handle(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path

	fv.mu.Lock()
	fv.counts[key]++
	if fv.failures[key] > 0 {
		fv.failures[key]--
		fv.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, map[string]any{"errors": []string{"internal error"}})
		return
	}
	fv.mu.Unlock()

	if r.URL.Path == "/v1/sys/health" {
		fv.mu.Lock()
		sealed := fv.sealed
		fv.mu.Unlock()
		if sealed {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"sealed": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"initialized": true, "sealed": false})
		return
	}

	if r.Header.Get("X-Vault-Token") != FakeVaultToken {
		writeJSON(w, http.StatusForbidden, map[string]any{"errors": []string{"permission denied"}})
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case strings.HasPrefix(path, "transit/keys/"):
		fv.handleKeys(w, r, strings.TrimPrefix(path, "transit/keys/"))
	case strings.HasPrefix(path, "transit/encrypt/"):
		fv.handleEncrypt(w, r, strings.TrimPrefix(path, "transit/encrypt/"))
	case strings.HasPrefix(path, "transit/decrypt/"):
		fv.handleDecrypt(w, r, strings.TrimPrefix(path, "transit/decrypt/"))
	case strings.HasPrefix(path, "secret/data/"):
		fv.handleKV(w, r, strings.TrimPrefix(path, "secret/data/"))
	case strings.HasPrefix(path, "secret/metadata/"):
		fv.handleList(w, r, strings.TrimPrefix(path, "secret/metadata/"))
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
	}
}

func (fv *FakeVault) handleKeys(w http.ResponseWriter, r *http.Request, name string) {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		if !fv.keys[name] {
			writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"name": name, "type": "aes256-gcm96"}})
	case http.MethodPost:
		fv.keys[name] = true
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (fv *FakeVault) handleEncrypt(w http.ResponseWriter, r *http.Request, name string) {
	fv.mu.Lock()
	exists := fv.keys[name]
	fv.mu.Unlock()
	if !exists {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{"encryption key not found"}})
		return
	}

	var body struct {
		Plaintext string `json:"plaintext"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{"invalid body"}})
		return
	}

	// The key name rides inside the ciphertext so decryption under another
	// key fails, mirroring real transit behavior.
	ciphertext := ciphertextPrefix + base64.StdEncoding.EncodeToString([]byte(name+"|"+body.Plaintext))
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"ciphertext": ciphertext}})
}

func (fv *FakeVault) handleDecrypt(w http.ResponseWriter, r *http.Request, name string) {
	var body struct {
		Ciphertext string `json:"ciphertext"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{"invalid body"}})
		return
	}

	encoded := strings.TrimPrefix(body.Ciphertext, ciphertextPrefix)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{"invalid ciphertext"}})
		return
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[0] != name {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{"decryption failed"}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"plaintext": parts[1]}})
}

func (fv *FakeVault) handleKV(w http.ResponseWriter, r *http.Request, path string) {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		record, ok := fv.kv[path]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"data": record}})
	case http.MethodPost, http.MethodPut:
		var body struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{"invalid body"}})
			return
		}
		fv.kv[path] = body.Data
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"version": 1}})
	case http.MethodDelete:
		delete(fv.kv, path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (fv *FakeVault) handleList(w http.ResponseWriter, r *http.Request, path string) {
	if r.Method != "LIST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	fv.mu.Lock()
	defer fv.mu.Unlock()

	prefix := strings.TrimSuffix(path, "/") + "/"
	seen := make(map[string]bool)
	var keys []string
	for stored := range fv.kv {
		if !strings.HasPrefix(stored, prefix) {
			continue
		}
		rest := strings.TrimPrefix(stored, prefix)
		child := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			child = rest[:idx+1]
		}
		if !seen[child] {
			seen[child] = true
			keys = append(keys, child)
		}
	}

	if len(keys) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})
}
