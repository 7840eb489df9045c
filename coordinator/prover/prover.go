package prover

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"zkrollup/common"

	"github.com/dghubble/sling"
)

// Proof is the Groth16 proof received from the proof server
type Proof struct {
	PiA      [3]*big.Int    `json:"pi_a"`
	PiB      [3][2]*big.Int `json:"pi_b"`
	PiC      [3]*big.Int    `json:"pi_c"`
	Protocol string         `json:"protocol"`
}

type bigInt big.Int

func (b *bigInt) UnmarshalText(text []byte) error {
	_, ok := (*big.Int)(b).SetString(string(text), 10)
	if !ok {
		return common.Wrap(fmt.Errorf("invalid big int: \"%v\"", string(text)))
	}
	return nil
}

func (b *bigInt) MarshalText() ([]byte, error) {
	return []byte((*big.Int)(b).String()), nil
}

type proofJSON struct {
	PiA      [3]*bigInt    `json:"pi_a"`
	PiB      [3][2]*bigInt `json:"pi_b"`
	PiC      [3]*bigInt    `json:"pi_c"`
	Protocol string        `json:"protocol"`
}

// UnmarshalJSON unmarshals the proof from a JSON where the numbers are
// decimal strings
func (p *Proof) UnmarshalJSON(data []byte) error {
	var proof proofJSON
	if err := json.Unmarshal(data, &proof); err != nil {
		return common.Wrap(err)
	}
	for i := range proof.PiA {
		p.PiA[i] = (*big.Int)(proof.PiA[i])
		p.PiC[i] = (*big.Int)(proof.PiC[i])
		for j := range proof.PiB[i] {
			p.PiB[i][j] = (*big.Int)(proof.PiB[i][j])
		}
	}
	p.Protocol = proof.Protocol
	return nil
}

// MarshalJSON marshals the proof with the numbers as decimal strings
func (p Proof) MarshalJSON() ([]byte, error) {
	var proof proofJSON
	for i := range p.PiA {
		proof.PiA[i] = (*bigInt)(p.PiA[i])
		proof.PiC[i] = (*bigInt)(p.PiC[i])
		for j := range p.PiB[i] {
			proof.PiB[i][j] = (*bigInt)(p.PiB[i][j])
		}
	}
	proof.Protocol = p.Protocol
	return json.Marshal(proof)
}

// PublicInputs are the public inputs of the proof
type PublicInputs []*big.Int

// UnmarshalJSON unmarshals the public inputs from a JSON array of decimal
// strings
func (p *PublicInputs) UnmarshalJSON(data []byte) error {
	var pubInputs []*bigInt
	if err := json.Unmarshal(data, &pubInputs); err != nil {
		return common.Wrap(err)
	}
	*p = make([]*big.Int, len(pubInputs))
	for i, v := range pubInputs {
		(*p)[i] = (*big.Int)(v)
	}
	return nil
}

// Client is the interface to a ServerProof that calculates zk proofs
type Client interface {
	// Non-blocking
	CalculateProof(ctx context.Context, bundle *common.WitnessBundle) error
	// Blocking.  Returns the Proof and Public Data (public inputs)
	GetProof(ctx context.Context) (*Proof, []*big.Int, error)
	// Non-Blocking
	Cancel(ctx context.Context) error
	// Blocking
	WaitReady(ctx context.Context) error
	// URL identifies the prover
	URL() string
}

// StatusCode is the status string of the ProofServer
type StatusCode string

const (
	// StatusCodeAborted means prover is ready to take new proof. Previous
	// proof was aborted.
	StatusCodeAborted StatusCode = "aborted"
	// StatusCodeBusy means prover is busy computing proof.
	StatusCodeBusy StatusCode = "busy"
	// StatusCodeFailed means prover is ready to take new proof. Previous
	// proof failed
	StatusCodeFailed StatusCode = "failed"
	// StatusCodeSuccess means prover is ready to take new proof. Previous
	// proof succeeded
	StatusCodeSuccess StatusCode = "success"
	// StatusCodeUnverified means prover is ready to take new proof.
	// Previous proof was unverified
	StatusCodeUnverified StatusCode = "unverified"
	// StatusCodeUninitialized means prover is not initialized
	StatusCodeUninitialized StatusCode = "uninitialized"
	// StatusCodeUndefined means prover is in an undefined state. Most
	// likely is booting up. Keep trying
	StatusCodeUndefined StatusCode = "undefined"
	// StatusCodeInitializing means prover is initializing and not ready yet
	StatusCodeInitializing StatusCode = "initializing"
	// StatusCodeReady means prover initialized and ready to do first proof
	StatusCodeReady StatusCode = "ready"
)

// IsReady returns true when the prover is ready
func (status StatusCode) IsReady() bool {
	if status == StatusCodeAborted || status == StatusCodeFailed || status == StatusCodeSuccess ||
		status == StatusCodeUnverified || status == StatusCodeReady {
		return true
	}
	return false
}

// IsInitialized returns true when the prover is initialized
func (status StatusCode) IsInitialized() bool {
	if status == StatusCodeUninitialized || status == StatusCodeUndefined {
		return false
	}
	return true
}

// Status is the return struct for the status API endpoint
type Status struct {
	Status  StatusCode `json:"status"`
	Proof   string     `json:"proof"`
	PubData string     `json:"pubData"`
}

// ErrorServer is the return struct for an API error
type ErrorServer struct {
	Status  StatusCode `json:"status"`
	Message string     `json:"msg"`
}

// Error message for ErrorServer
func (e ErrorServer) Error() string {
	return fmt.Sprintf("server proof status (%v): %v", e.Status, e.Message)
}

type apiMethod string

const (
	// GET is an HTTP GET
	GET apiMethod = "GET"
	// POST is an HTTP POST with maybe JSON body
	POST apiMethod = "POST"
)

// ProofServerClient contains the data related to a ProofServerClient
type ProofServerClient struct {
	url          string
	client       *sling.Sling
	pollInterval time.Duration
}

// NewProofServerClient creates a new ServerProof
func NewProofServerClient(url string, pollInterval time.Duration) *ProofServerClient {
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	client := sling.New().Base(url)
	return &ProofServerClient{url: url, client: client, pollInterval: pollInterval}
}

// URL returns the base URL of the proof server
func (p *ProofServerClient) URL() string {
	return p.url
}

func (p *ProofServerClient) apiRequest(ctx context.Context, method apiMethod, path string,
	body interface{}, ret interface{}) error {
	path = strings.TrimPrefix(path, "/")
	var errSrv ErrorServer
	var req *http.Request
	var err error
	switch method {
	case GET:
		req, err = p.client.New().Get(path).Request()
	case POST:
		req, err = p.client.New().Post(path).BodyJSON(body).Request()
	default:
		return common.Wrap(fmt.Errorf("invalid http method: %v", method))
	}
	if err != nil {
		return common.Wrap(err)
	}
	res, err := p.client.Do(req.WithContext(ctx), ret, &errSrv)
	if err != nil {
		return common.Wrap(err)
	}
	defer res.Body.Close() //nolint:errcheck
	if !(200 <= res.StatusCode && res.StatusCode < 300) {
		return common.Wrap(errSrv)
	}
	return nil
}

func (p *ProofServerClient) apiStatus(ctx context.Context) (*Status, error) {
	var status Status
	return &status, common.Wrap(p.apiRequest(ctx, GET, "/status", nil, &status))
}

func (p *ProofServerClient) apiCancel(ctx context.Context) error {
	return common.Wrap(p.apiRequest(ctx, POST, "/cancel", nil, nil))
}

func (p *ProofServerClient) apiInput(ctx context.Context, bundle *common.WitnessBundle) error {
	return common.Wrap(p.apiRequest(ctx, POST, "/input", bundle, nil))
}

// CalculateProof sends the witness bundle to the ServerProof to compute the
// Proof
func (p *ProofServerClient) CalculateProof(ctx context.Context, bundle *common.WitnessBundle) error {
	return common.Wrap(p.apiInput(ctx, bundle))
}

// GetProof retrieves the Proof and Public Data (public inputs) from the
// ServerProof, blocking until the proof is ready.
func (p *ProofServerClient) GetProof(ctx context.Context) (*Proof, []*big.Int, error) {
	if err := p.WaitReady(ctx); err != nil {
		return nil, nil, common.Wrap(err)
	}
	status, err := p.apiStatus(ctx)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	if status.Status == StatusCodeSuccess {
		var proof Proof
		if err := json.Unmarshal([]byte(status.Proof), &proof); err != nil {
			return nil, nil, common.Wrap(err)
		}
		var pubInputs PublicInputs
		if err := json.Unmarshal([]byte(status.PubData), &pubInputs); err != nil {
			return nil, nil, common.Wrap(err)
		}
		return &proof, pubInputs, nil
	}
	return nil, nil, common.Wrap(fmt.Errorf("status != %v, status = %v", StatusCodeSuccess,
		status.Status))
}

// Cancel cancels any current proof computation
func (p *ProofServerClient) Cancel(ctx context.Context) error {
	return common.Wrap(p.apiCancel(ctx))
}

// WaitReady waits until the serverProof is ready
func (p *ProofServerClient) WaitReady(ctx context.Context) error {
	for {
		status, err := p.apiStatus(ctx)
		if err != nil {
			return common.Wrap(err)
		}
		if !status.Status.IsInitialized() {
			return common.Wrap(fmt.Errorf("Proof Server is not initialized"))
		}
		if status.Status.IsReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return common.Wrap(common.ErrDone)
		case <-time.After(p.pollInterval):
		}
	}
}

// MockClient is a mock ServerProof to be used in tests.  It doesn't calculate
// anything; it returns the commitment of the last bundle as public input.
type MockClient struct {
	mu      sync.Mutex
	counter int64
	bundle  *common.WitnessBundle
	// Delay is the time GetProof takes
	Delay time.Duration
	// Fails is the number of GetProof calls that fail before succeeding
	Fails int
	// Calls is the number of CalculateProof calls
	Calls int
	// Cancels is the number of Cancel calls
	Cancels int
}

// NewMockClient creates a new mock proof server client
func NewMockClient(delay time.Duration) *MockClient {
	return &MockClient{Delay: delay}
}

// URL returns the identifier of the mock
func (p *MockClient) URL() string {
	return "mock"
}

// CalculateProof sends the witness bundle to the ServerProof to compute the
// Proof
func (p *MockClient) CalculateProof(ctx context.Context, bundle *common.WitnessBundle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bundle = bundle
	p.Calls++
	return nil
}

// GetProof retrieves the Proof from the ServerProof
func (p *MockClient) GetProof(ctx context.Context) (*Proof, []*big.Int, error) {
	// Simulate a delay
	select {
	case <-time.After(p.Delay):
	case <-ctx.Done():
		return nil, nil, common.Wrap(common.ErrDone)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fails > 0 {
		p.Fails--
		return nil, nil, common.Wrap(ErrorServer{Status: StatusCodeFailed, Message: "mock failure"})
	}
	if p.bundle == nil {
		return nil, nil, common.Wrap(fmt.Errorf("no proof requested"))
	}
	i := p.counter * 100 //nolint:gomnd
	p.counter++
	return &Proof{
			PiA: [3]*big.Int{big.NewInt(i), big.NewInt(i + 1), big.NewInt(1)},
			PiB: [3][2]*big.Int{
				{big.NewInt(i + 2), big.NewInt(i + 3)},
				{big.NewInt(i + 4), big.NewInt(i + 5)},
				{big.NewInt(1), big.NewInt(0)},
			},
			PiC:      [3]*big.Int{big.NewInt(i + 6), big.NewInt(i + 7), big.NewInt(1)},
			Protocol: "groth16",
		},
		[]*big.Int{new(big.Int).Set(p.bundle.PublicInputs.Commitment)},
		nil
}

// Cancel cancels any current proof computation
func (p *MockClient) Cancel(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cancels++
	return nil
}

// WaitReady waits until the prover is ready
func (p *MockClient) WaitReady(ctx context.Context) error {
	return nil
}
