package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ledger-opqueue/internal/models"
	"ledger-opqueue/internal/opqueue"
)

// ErrUnknownKind is returned for jobs whose kind has no ledger method.
var ErrUnknownKind = errors.New("ledger: unknown operation kind")

// Processor performs queued operations against the ledger gateway.
type Processor struct {
	gateway Gateway
	log     *zap.Logger
}

// NewProcessor wires a processor to gw.
func NewProcessor(gw Gateway, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{gateway: gw, log: log.Named("ledger")}
}

var _ opqueue.Processor = (*Processor)(nil)

type registerEventPayload struct {
	EventID   string         `json:"eventId"`
	BatchID   string         `json:"batchId,omitempty"`
	EventType string         `json:"eventType,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type mintPayload struct {
	BatchID  string `json:"batchId"`
	To       string `json:"to,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
	URI      string `json:"uri,omitempty"`
}

type whitelistPayload struct {
	ProducerID string `json:"producerId"`
	Address    string `json:"address,omitempty"`
}

type updateBatchPayload struct {
	BatchID string         `json:"batchId"`
	Status  string         `json:"status,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Process implements opqueue.Processor. The transaction hash becomes the
// job's result reference.
func (p *Processor) Process(ctx context.Context, job models.Job) (opqueue.Result, error) {
	method, params, err := buildCall(job)
	if err != nil {
		return opqueue.Result{}, err
	}
	p.log.Debug("submitting ledger write",
		zap.String("job_id", job.ID),
		zap.String("method", method),
		zap.Int("attempt", job.Attempts),
	)
	txHash, err := p.gateway.Submit(ctx, method, params)
	if err != nil {
		return opqueue.Result{}, err
	}
	return opqueue.Result{Reference: txHash}, nil
}

func buildCall(job models.Job) (string, any, error) {
	switch job.Kind {
	case models.KindRegisterEvent:
		var p registerEventPayload
		if err := decodePayload(job, &p); err != nil {
			return "", nil, err
		}
		if p.EventID == "" {
			return "", nil, errors.New("eventId is required")
		}
		return "ledger_registerEvent", p, nil
	case models.KindMint:
		var p mintPayload
		if err := decodePayload(job, &p); err != nil {
			return "", nil, err
		}
		if p.BatchID == "" {
			return "", nil, errors.New("batchId is required")
		}
		if p.Quantity == 0 {
			p.Quantity = 1
		}
		return "ledger_mintToken", p, nil
	case models.KindWhitelistProducer:
		var p whitelistPayload
		if err := decodePayload(job, &p); err != nil {
			return "", nil, err
		}
		if p.ProducerID == "" && p.Address == "" {
			return "", nil, errors.New("producerId or address is required")
		}
		return "ledger_whitelistProducer", p, nil
	case models.KindUpdateBatch:
		var p updateBatchPayload
		if err := decodePayload(job, &p); err != nil {
			return "", nil, err
		}
		if p.BatchID == "" {
			return "", nil, errors.New("batchId is required")
		}
		return "ledger_updateBatch", p, nil
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
}

func decodePayload(job models.Job, dst any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
