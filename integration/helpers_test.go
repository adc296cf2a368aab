//go:build integration
// +build integration

package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// fakePDS implements enough of the protocol surface to run complete
// migrations against two instances.
type fakePDS struct {
	mu sync.Mutex

	handle   string
	password string

	repo  []byte
	blobs map[string][]byte
	prefs json.RawMessage

	acceptedPLCToken string

	importedRepo []byte
	uploads      int
	plcRequested bool
	submitted    int
	activated    bool
	deactivated  bool

	// intercept runs before normal handling; returning true means the
	// request was consumed. Used for failure injection.
	intercept func(nsid string, w http.ResponseWriter, r *http.Request) bool

	srv *httptest.Server
}

func newFakePDS(handle, password string) *fakePDS {
	f := &fakePDS{
		handle:   handle,
		password: password,
		blobs:    make(map[string][]byte),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serveXRPC))
	return f
}

func (f *fakePDS) URL() string { return f.srv.URL }
func (f *fakePDS) Close()      { f.srv.Close() }

func (f *fakePDS) writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}

func (f *fakePDS) writeSession(w http.ResponseWriter, did string) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"did":        did,
		"handle":     f.handle,
		"accessJwt":  "access-" + f.handle,
		"refreshJwt": "refresh-" + f.handle,
	})
}

func (f *fakePDS) serveXRPC(w http.ResponseWriter, r *http.Request) {
	nsid := strings.TrimPrefix(r.URL.Path, "/xrpc/")

	f.mu.Lock()
	intercept := f.intercept
	f.mu.Unlock()
	if intercept != nil && intercept(nsid, w, r) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch nsid {
	case "com.atproto.server.createSession":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != f.password {
			f.writeError(w, http.StatusUnauthorized, "AuthenticationRequired", "bad password")
			return
		}
		f.writeSession(w, migratingDID)

	case "com.atproto.server.refreshSession":
		f.writeSession(w, migratingDID)

	case "com.atproto.server.getServiceAuth":
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "svc-" + f.handle})

	case "com.atproto.server.createAccount":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.password = body["password"]
		f.writeSession(w, body["did"])

	case "com.atproto.sync.getRepo":
		_, _ = w.Write(f.repo)

	case "com.atproto.repo.importRepo":
		data, _ := io.ReadAll(r.Body)
		f.importedRepo = data
		w.WriteHeader(http.StatusOK)

	case "com.atproto.sync.listBlobs":
		cids := make([]string, 0, len(f.blobs))
		for cid := range f.blobs {
			cids = append(cids, cid)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"cids": cids})

	case "com.atproto.sync.getBlob":
		blob, ok := f.blobs[r.URL.Query().Get("cid")]
		if !ok {
			f.writeError(w, http.StatusNotFound, "BlobNotFound", "no such blob")
			return
		}
		_, _ = w.Write(blob)

	case "com.atproto.repo.uploadBlob":
		_, _ = io.Copy(io.Discard, r.Body)
		f.uploads++
		w.WriteHeader(http.StatusOK)

	case "com.atproto.server.checkAccountStatus":
		_ = json.NewEncoder(w).Encode(map[string]int{
			"expectedBlobs": f.uploads,
			"importedBlobs": f.uploads,
		})

	case "app.bsky.actor.getPreferences":
		_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{"preferences": f.prefs})

	case "app.bsky.actor.putPreferences":
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.prefs = body["preferences"]
		w.WriteHeader(http.StatusOK)

	case "com.atproto.identity.requestPlcOperationSignature":
		f.plcRequested = true
		w.WriteHeader(http.StatusOK)

	case "com.atproto.identity.getRecommendedDidCredentials":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"rotationKeys": []string{"did:key:zServerOwned"},
		})

	case "com.atproto.identity.signPlcOperation":
		var body struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Token != f.acceptedPLCToken {
			f.writeError(w, http.StatusBadRequest, "InvalidToken", "token mismatch")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{
			"operation": json.RawMessage(`{"sig":"zSigned"}`),
		})

	case "com.atproto.identity.submitPlcOperation":
		f.submitted++
		w.WriteHeader(http.StatusOK)

	case "com.atproto.server.activateAccount":
		f.activated = true
		w.WriteHeader(http.StatusOK)

	case "com.atproto.server.deactivateAccount":
		f.deactivated = true
		w.WriteHeader(http.StatusOK)

	default:
		f.writeError(w, http.StatusNotFound, "MethodNotImplemented", nsid)
	}
}
