package disconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	goerrors "github.com/go-errors/errors"
)

// unregisterRequest is the HTTP POST body sent to the exit, symmetric
// to connect.registrationRequest: it names the key the exit should
// forget (spec.md §3's Down record: "the WireGuard public key to
// unregister"; spec.md §4.3 step 2).
type unregisterRequest struct {
	PublicKey string `json:"public_key"`
}

// postUnregister POSTs an unregister request naming publicKey to the
// exit bound at 127.0.0.1:bridgePort. It returns notFound=true when
// the exit reports the registration no longer exists (HTTP 404),
// which the caller treats as a successful teardown rather than an
// error.
func postUnregister(ctx context.Context, client *http.Client, bridgePort uint16, publicKey string) (notFound bool, err error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/unregister", bridgePort)

	body, err := json.Marshal(unregisterRequest{PublicKey: publicKey})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return false, goerrors.Errorf("disconnect: unregister POST: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return true, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, goerrors.Errorf("disconnect: unregister: exit returned %d", resp.StatusCode)
	}
	return false, nil
}
