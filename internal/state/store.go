package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

var (
	// ErrNotFound is returned when no campaign exists for a key.
	ErrNotFound = errors.New("campaign not found")
	// ErrConflict is returned when a conditional write lost a race: the
	// version moved or the lease token no longer matches.
	ErrConflict = errors.New("campaign checkpoint conflict")
	// ErrAlreadyExists is returned by CreateCampaign while a live run holds the key.
	ErrAlreadyExists = errors.New("campaign already running")
	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("corrupt campaign record")
)

// CampaignRecord is the persisted form of a campaign run.
type CampaignRecord struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	Key          string `dynamodbav:"key"`
	RunID        string `dynamodbav:"run_id"`
	State        string `dynamodbav:"state"`
	Status       string `dynamodbav:"status"`
	Step         int    `dynamodbav:"step"`
	Steps        string `dynamodbav:"steps"`
	FailedStep   *int   `dynamodbav:"failed_step,omitempty"`
	Input        string `dynamodbav:"input"`
	CreatedAt    string `dynamodbav:"created_at"`
	UpdatedAt    string `dynamodbav:"updated_at"`
	CompletedAt  string `dynamodbav:"completed_at,omitempty"`
	ResumeAtMs   int64  `dynamodbav:"resume_at_ms"`
	Version      int64  `dynamodbav:"version"`
	LeaseToken   string `dynamodbav:"lease_token"`
	LeaseOwner   string `dynamodbav:"lease_owner"`
	LeaseUntilMs int64  `dynamodbav:"lease_until_ms"`

	// GSI attributes for queries
	GSI2PK string `dynamodbav:"GSI2PK,omitempty"` // STATUS#<status>
	GSI2SK string `dynamodbav:"GSI2SK,omitempty"` // <updated_at>
	GSI3PK string `dynamodbav:"GSI3PK,omitempty"` // DUE#campaign while running
	GSI3SK *int64 `dynamodbav:"GSI3SK,omitempty"` // <resume_at_ms>
	TTL    *int64 `dynamodbav:"ttl,omitempty"`    // DynamoDB TTL
}

// Store persists campaign records. Every mutation is conditional so that
// concurrent workers cannot overwrite each other's progress.
type Store interface {
	// CreateCampaign inserts rec, replacing a terminal run for the same key.
	// It returns ErrAlreadyExists when the key has a running campaign.
	CreateCampaign(ctx context.Context, rec *CampaignRecord) error
	GetCampaign(ctx context.Context, key string) (*CampaignRecord, error)
	// ListCampaigns returns up to limit records, most recently updated first.
	// An empty status matches every status.
	ListCampaigns(ctx context.Context, status string, limit int) ([]*CampaignRecord, error)

	// Checkpoint replaces the stored record with rec if the stored version is
	// expectedVersion and the stored lease token is token. rec.Version must
	// be expectedVersion+1.
	Checkpoint(ctx context.Context, rec *CampaignRecord, expectedVersion int64, token string) error

	// GetDueCampaigns returns keys of running campaigns whose resume time
	// and lease have both passed.
	GetDueCampaigns(ctx context.Context, nowMs int64, limit int) ([]string, error)
	// ClaimDue fences a due campaign with a new lease token. The lease is
	// unowned until a worker acquires it.
	ClaimDue(ctx context.Context, key string, nowMs int64, token string, untilMs int64) (*CampaignRecord, error)
	// AcquireLease binds owner to the claim identified by token.
	AcquireLease(ctx context.Context, key, token, owner string, untilMs int64) (*CampaignRecord, error)
	// ExtendLease pushes the expiry of a held lease.
	ExtendLease(ctx context.Context, key, token, owner string, untilMs int64) error

	// PurgeTerminal deletes completed and failed runs last updated before beforeMs.
	PurgeTerminal(ctx context.Context, beforeMs int64) (int, error)

	// Health check
	Ping(ctx context.Context) error

	// Close the store
	Close() error
}

// RecordToCampaign converts a CampaignRecord to a core.Campaign. A record
// whose steps or input do not decode is reported as corrupt.
func RecordToCampaign(r *CampaignRecord) (*core.Campaign, error) {
	c := &core.Campaign{
		Key:         r.Key,
		RunID:       r.RunID,
		State:       r.State,
		Status:      r.Status,
		Step:        r.Step,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
		ResumeAt:    time.UnixMilli(r.ResumeAtMs).UTC(),
		Version:     r.Version,
	}
	if r.FailedStep != nil {
		step := *r.FailedStep
		c.FailedStep = &step
	}
	if r.Steps != "" {
		if err := json.Unmarshal([]byte(r.Steps), &c.Steps); err != nil {
			return nil, fmt.Errorf("%w: campaign %s steps: %v", ErrCorrupt, r.Key, err)
		}
	}
	if r.Input != "" {
		if err := json.Unmarshal([]byte(r.Input), &c.Input); err != nil {
			return nil, fmt.Errorf("%w: campaign %s input: %v", ErrCorrupt, r.Key, err)
		}
	}
	return c, nil
}

// CampaignToRecord converts a core.Campaign to a CampaignRecord for storage.
// Lease fields are left empty for the caller to fill in.
func CampaignToRecord(c *core.Campaign) *CampaignRecord {
	r := &CampaignRecord{
		PK:          campaignPK(c.Key),
		SK:          campaignSK,
		Key:         c.Key,
		RunID:       c.RunID,
		State:       c.State,
		Status:      c.Status,
		Step:        c.Step,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		CompletedAt: c.CompletedAt,
		ResumeAtMs:  c.ResumeAt.UnixMilli(),
		Version:     c.Version,
		GSI2PK:      "STATUS#" + c.Status,
		GSI2SK:      c.UpdatedAt,
	}
	if c.FailedStep != nil {
		step := *c.FailedStep
		r.FailedStep = &step
	}
	stepsJSON, _ := json.Marshal(c.Steps)
	r.Steps = string(stepsJSON)
	inputJSON, _ := json.Marshal(c.Input)
	r.Input = string(inputJSON)

	if c.Status == core.StatusRunning {
		r.GSI3PK = dueCampaignPartition
		due := r.ResumeAtMs
		r.GSI3SK = &due
	}
	return r
}

// IsTerminalRecord reports whether the record's run has finished.
func IsTerminalRecord(r *CampaignRecord) bool {
	return r.Status == core.StatusCompleted || r.Status == core.StatusFailed
}

func sortByUpdatedDesc(records []*CampaignRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt > records[j].UpdatedAt
	})
}
