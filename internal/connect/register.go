package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	goerrors "github.com/go-errors/errors"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/gnosis/gnosisvpn/internal/wireguard"
)

// registrationRequest is the HTTP POST body sent to the exit via the
// bridge session's bound local port (spec.md §4.2 step 3).
type registrationRequest struct {
	PublicKey string `json:"public_key"`
}

// registrationResponse mirrors the exit's JSON reply: assigned tunnel
// IP, a newly-registered flag, and the exit's own WireGuard public
// key.
type registrationResponse struct {
	TunnelIP        string `json:"tunnel_ip"`
	NewlyRegistered bool   `json:"newly_registered"`
	ExitPublicKey   string `json:"exit_public_key"`
}

// registerWithExit POSTs kp's public key to the exit bound at
// 127.0.0.1:bridgePort and parses the response.
func registerWithExit(ctx context.Context, client *http.Client, bridgePort uint16, kp wireguard.KeyPair, timeout time.Duration) (Registration, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/register", bridgePort)

	body, err := json.Marshal(registrationRequest{PublicKey: kp.Public.String()})
	if err != nil {
		return Registration{}, err
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Registration{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return Registration{}, goerrors.Errorf("connect: register POST: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Registration{}, goerrors.Errorf("connect: register: exit returned %d", resp.StatusCode)
	}

	var body2 registrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body2); err != nil {
		return Registration{}, goerrors.Errorf("connect: decode registration response: %w", err)
	}

	exitKey, err := wgtypes.ParseKey(body2.ExitPublicKey)
	if err != nil {
		return Registration{}, goerrors.Errorf("connect: parse exit public key: %w", err)
	}

	return Registration{
		TunnelIP:        net.ParseIP(body2.TunnelIP),
		NewlyRegistered: body2.NewlyRegistered,
		ExitPublicKey:   exitKey,
	}, nil
}
