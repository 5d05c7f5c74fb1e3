package timeauth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/drand/tlock"
	thttp "github.com/drand/tlock/networks/http"
)

const (
	QuicknetChainHash = "52db9ba70e0cc0f6eaf7803dd07447a1f5477735fd3f661792ba94600c84e971"
	DefaultDrandURL   = "https://api.drand.sh"
)

// DrandConfig selects a drand network.
type DrandConfig struct {
	Network   string
	URL       string
	ChainHash string
}

// Quicknet is the 3-second unchained drand network.
func Quicknet() DrandConfig {
	return DrandConfig{Network: "quicknet", URL: DefaultDrandURL, ChainHash: QuicknetChainHash}
}

// DrandInfo is the beacon's /info document.
type DrandInfo struct {
	Period      int    `json:"period"`
	GenesisTime int64  `json:"genesis_time"`
	Hash        string `json:"hash"`
	GroupHash   string `json:"groupHash"`
	SchemeID    string `json:"schemeID"`
	BeaconID    string `json:"beaconID"`
}

type drandPublicResponse struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
}

// DrandAuthority locks secrets to drand rounds with tlock.
type DrandAuthority struct {
	cfg     DrandConfig
	baseURL string
	http    HTTPDoer
	box     TimelockBox

	mu   sync.Mutex
	info *DrandInfo
}

// NewDrand builds an authority. A nil doer uses http.DefaultClient and a
// nil box uses tlock against the same network.
func NewDrand(cfg DrandConfig, doer HTTPDoer, box TimelockBox) *DrandAuthority {
	if doer == nil {
		doer = http.DefaultClient
	}
	if box == nil {
		box = &TlockBox{URL: cfg.URL, ChainHash: cfg.ChainHash}
	}
	return &DrandAuthority{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.URL, "/") + "/" + cfg.ChainHash,
		http:    doer,
		box:     box,
	}
}

func (d *DrandAuthority) Name() string {
	return "drand/" + d.cfg.Network
}

// RoundAt returns the first round published at or after t. Round r is
// published at genesis + (r-1)*period.
func (d *DrandAuthority) RoundAt(ctx context.Context, t time.Time) (uint64, error) {
	info, err := d.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch drand info: %w", err)
	}
	if info.Period <= 0 {
		return 0, fmt.Errorf("drand reports invalid period %d", info.Period)
	}

	elapsed := t.Unix() - info.GenesisTime
	if elapsed < 0 {
		return 0, errors.New("unlock time is before drand genesis")
	}

	period := uint64(info.Period)
	round := uint64(elapsed)/period + 1
	if uint64(elapsed)%period != 0 {
		round++
	}
	return round, nil
}

func (d *DrandAuthority) Lock(secret []byte, round uint64) (string, error) {
	return d.box.Encrypt(secret, round)
}

func (d *DrandAuthority) Unlock(ctx context.Context, locked string) ([]byte, error) {
	return d.box.Decrypt(locked)
}

// Reached compares round with the latest published one. Network failures
// are errors, never a yes.
func (d *DrandAuthority) Reached(ctx context.Context, round uint64) (bool, error) {
	var latest drandPublicResponse
	if err := d.get(ctx, "/public/latest", &latest); err != nil {
		return false, fmt.Errorf("failed to fetch latest round: %w", err)
	}
	return latest.Round >= round, nil
}

// Info fetches and caches the network parameters.
func (d *DrandAuthority) Info(ctx context.Context) (*DrandInfo, error) {
	d.mu.Lock()
	cached := d.info
	d.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var info DrandInfo
	if err := d.get(ctx, "/info", &info); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.info = &info
	d.mu.Unlock()
	return &info, nil
}

func (d *DrandAuthority) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("drand %s request failed: %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// TlockBox is the tlock implementation of TimelockBox.
type TlockBox struct {
	URL       string
	ChainHash string
}

func (t *TlockBox) Encrypt(secret []byte, round uint64) (string, error) {
	network, err := thttp.NewNetwork(t.URL, t.ChainHash)
	if err != nil {
		return "", fmt.Errorf("failed to create tlock network: %w", err)
	}

	var out bytes.Buffer
	if err := tlock.New(network).Encrypt(&out, bytes.NewReader(secret), round); err != nil {
		return "", fmt.Errorf("failed to tlock encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

func (t *TlockBox) Decrypt(locked string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(locked)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tlock ciphertext: %w", err)
	}

	network, err := thttp.NewNetwork(t.URL, t.ChainHash)
	if err != nil {
		return nil, fmt.Errorf("failed to create tlock network: %w", err)
	}

	var out bytes.Buffer
	if err := tlock.New(network).Decrypt(&out, bytes.NewReader(raw)); err != nil {
		if errors.Is(err, tlock.ErrTooEarly) {
			return nil, fmt.Errorf("%w: %v", ErrTooEarly, err)
		}
		return nil, err
	}
	return out.Bytes(), nil
}
