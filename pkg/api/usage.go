package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/metering"
	"github.com/modelmeter/modelmeter/pkg/types"
)

// maxBatchRecords caps one batch submission; larger batches are rejected
// whole.
const maxBatchRecords = 100

type usageRecord struct {
	RequestID     string `json:"request_id"`
	ModelLabel    string `json:"model_label"`
	ModelID       string `json:"model_id,omitempty"`
	InputTokens   int64  `json:"input_tokens"`
	OutputTokens  int64  `json:"output_tokens"`
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	CallingRegion string `json:"calling_region,omitempty"`
}

type usageProcessing struct {
	Applied       bool   `json:"applied"`
	Date          string `json:"date"`
	ShardIndex    int    `json:"shard_index"`
	ModelID       string `json:"model_id"`
	CostUSDMicros int64  `json:"cost_usd_micros"`
	PriceSource   string `json:"price_source,omitempty"`
}

type usageResponse struct {
	Accepted   bool            `json:"accepted"`
	RequestID  string          `json:"request_id"`
	Processing usageProcessing `json:"processing"`
	DailyTotal types.Usage     `json:"daily_total"`
}

func (rec usageRecord) toSubmission(orgID, appID string) (metering.Submission, error) {
	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		return metering.Submission{}, apierr.InvalidRequest(
			"timestamp must be RFC 3339",
			map[string]any{"timestamp": rec.Timestamp}).WithCause(err)
	}
	status := types.SubmissionStatus(rec.Status)
	if rec.Status == "" {
		status = types.StatusOK
	}
	return metering.Submission{
		OrgID:           orgID,
		AppID:           appID,
		RequestID:       rec.RequestID,
		ModelLabel:      rec.ModelLabel,
		SuppliedModelID: rec.ModelID,
		InputTokens:     rec.InputTokens,
		OutputTokens:    rec.OutputTokens,
		Status:          status,
		Timestamp:       ts,
		CallingRegion:   rec.CallingRegion,
	}, nil
}

func toUsageResponse(receipt *metering.Receipt) usageResponse {
	return usageResponse{
		Accepted:  true,
		RequestID: receipt.RequestID,
		Processing: usageProcessing{
			Applied:       receipt.Applied,
			Date:          receipt.Date,
			ShardIndex:    receipt.ShardIndex,
			ModelID:       receipt.ModelID,
			CostUSDMicros: receipt.CostUSDMicros,
			PriceSource:   receipt.PriceSource,
		},
		DailyTotal: receipt.DailyTotal,
	}
}

func (s *Server) handleSubmitUsage(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	appID := chi.URLParam(r, "appID")

	var rec usageRecord
	if err := decodeJSON(r, &rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := rec.toSubmission(orgID, appID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	receipt, err := s.meter.SubmitUsage(r.Context(), sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, toUsageResponse(receipt))
}

type usageBatchRequest struct {
	Records []usageRecord `json:"records"`
}

type usageBatchItem struct {
	RequestID string         `json:"request_id"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Result    *usageResponse `json:"result,omitempty"`
}

type usageBatchResponse struct {
	Accepted int              `json:"accepted"`
	Failed   int              `json:"failed"`
	Results  []usageBatchItem `json:"results"`
}

// handleSubmitUsageBatch loops over up to maxBatchRecords submissions and
// reports per-record outcomes with a 207.
func (s *Server) handleSubmitUsageBatch(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	appID := chi.URLParam(r, "appID")

	var batch usageBatchRequest
	if err := decodeJSON(r, &batch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(batch.Records) == 0 {
		s.writeError(w, r, apierr.InvalidRequest("records must not be empty", nil))
		return
	}
	if len(batch.Records) > maxBatchRecords {
		s.writeError(w, r, apierr.InvalidRequest(
			"too many records in one batch",
			map[string]any{"max_records": maxBatchRecords, "records": len(batch.Records)}))
		return
	}

	resp := usageBatchResponse{Results: make([]usageBatchItem, 0, len(batch.Records))}
	for _, rec := range batch.Records {
		item := usageBatchItem{RequestID: rec.RequestID}

		sub, err := rec.toSubmission(orgID, appID)
		if err == nil {
			var receipt *metering.Receipt
			receipt, err = s.meter.SubmitUsage(r.Context(), sub)
			if err == nil {
				result := toUsageResponse(receipt)
				item.Status = "accepted"
				item.Result = &result
				resp.Accepted++
			}
		}
		if err != nil {
			apiErr := apierr.From(err)
			item.Status = "error"
			item.Error = string(apiErr.Code)
			item.Message = apiErr.Message
			item.Details = apiErr.Details
			resp.Failed++
		}
		resp.Results = append(resp.Results, item)
	}

	s.writeJSON(w, http.StatusMultiStatus, resp)
}
