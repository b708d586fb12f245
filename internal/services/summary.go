package services

import (
  "bytes"
  "context"
  "encoding/json"
  "fmt"
  "io"
  "net/http"
  "os"
  "strconv"
  "strings"
  "time"

  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/types"
)

// SummaryService turns a provenance trail into a short consumer-facing
// paragraph for the public trace page. When no model endpoint is configured
// or the call fails, a deterministic local summary is produced instead; the
// trace page never blocks on an upstream model.
type SummaryService interface {
  Summarize(ctx context.Context, product *types.Product, records []*types.ProductRecord) (string, error)
}

type summaryService struct {
  log        *logger.Logger
  baseURL    string
  apiKey     string
  model      string
  httpClient *http.Client
}

func NewSummaryService(log *logger.Logger) SummaryService {
  baseURL := os.Getenv("OPENAI_BASE_URL")
  if baseURL == "" {
    baseURL = "https://api.openai.com"
  }
  model := os.Getenv("OPENAI_MODEL")
  if model == "" {
    model = "gpt-4o-mini"
  }
  timeoutSec := 30
  if v := os.Getenv("OPENAI_TIMEOUT_SECONDS"); v != "" {
    if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
      timeoutSec = parsed
    }
  }
  return &summaryService{
    log:        log.With("service", "SummaryService"),
    baseURL:    baseURL,
    apiKey:     os.Getenv("OPENAI_API_KEY"),
    model:      model,
    httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
  }
}

func (ss *summaryService) Summarize(ctx context.Context, product *types.Product, records []*types.ProductRecord) (string, error) {
  if product == nil {
    return "", fmt.Errorf("product required")
  }
  if ss.apiKey != "" {
    text, err := ss.remoteSummary(ctx, product, records)
    if err == nil && text != "" {
      return text, nil
    }
    if err != nil {
      ss.log.Warn("Model summary failed, using local fallback", "error", err)
    }
  }
  return localSummary(product, records), nil
}

func (ss *summaryService) remoteSummary(ctx context.Context, product *types.Product, records []*types.ProductRecord) (string, error) {
  trail := make([]string, 0, len(records))
  for _, r := range records {
    trail = append(trail, fmt.Sprintf("%s/%s by %s at %s", r.Stage, r.Action, r.OperatorName, r.CreatedAt.Format(time.RFC3339)))
  }
  body := map[string]any{
    "model": ss.model,
    "messages": []map[string]string{
      {"role": "system", "content": "You summarize agricultural provenance trails for consumers in 2-3 plain sentences. No marketing language."},
      {"role": "user", "content": fmt.Sprintf("Product: %s (%s, %s). Trail: %s", product.Name, product.Category, product.Origin, strings.Join(trail, "; "))},
    },
  }
  payload, err := json.Marshal(body)
  if err != nil {
    return "", err
  }
  req, err := http.NewRequestWithContext(ctx, http.MethodPost, ss.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
  if err != nil {
    return "", err
  }
  req.Header.Set("Content-Type", "application/json")
  req.Header.Set("Authorization", "Bearer "+ss.apiKey)

  resp, err := ss.httpClient.Do(req)
  if err != nil {
    return "", err
  }
  defer resp.Body.Close()
  raw, err := io.ReadAll(resp.Body)
  if err != nil {
    return "", err
  }
  if resp.StatusCode != http.StatusOK {
    return "", fmt.Errorf("model http %d: %s", resp.StatusCode, string(raw))
  }
  var decoded struct {
    Choices []struct {
      Message struct {
        Content string `json:"content"`
      } `json:"message"`
    } `json:"choices"`
  }
  if err := json.Unmarshal(raw, &decoded); err != nil {
    return "", err
  }
  if len(decoded.Choices) == 0 {
    return "", fmt.Errorf("model returned no choices")
  }
  return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

func localSummary(product *types.Product, records []*types.ProductRecord) string {
  var b strings.Builder
  fmt.Fprintf(&b, "%s", product.Name)
  if product.Origin != "" {
    fmt.Fprintf(&b, " from %s", product.Origin)
  }
  fmt.Fprintf(&b, " has %d recorded provenance events", len(records))
  if len(records) > 0 {
    last := records[len(records)-1]
    fmt.Fprintf(&b, ", most recently %s at the %s stage", last.Action, last.Stage)
  }
  if product.Status == types.StatusInvalidated {
    b.WriteString(". This batch has been invalidated and should not be purchased")
  } else if product.Status == types.StatusOnChain {
    b.WriteString(". All events are anchored on the ledger")
  }
  b.WriteString(".")
  return b.String()
}
