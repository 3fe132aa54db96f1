package reconciler

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"cryptobazaar/core/types"
	"cryptobazaar/observability"
	"cryptobazaar/services/marketplace/chain"
	"cryptobazaar/services/marketplace/models"
)

// Anomaly types emitted by the audit.
const (
	AnomalyMissingLock    = "missing_lock"
	AnomalyAmountMismatch = "amount_mismatch"
	AnomalyExpiryMismatch = "expiry_mismatch"
	AnomalyPastExpiry     = "past_expiry"
)

// AlertFunc is invoked for every anomaly detected during an audit.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// AuditConfig captures the dependencies required to construct an Auditor.
type AuditConfig struct {
	DB        *gorm.DB
	Locks     chain.LockReader
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
	Metrics   *observability.MarketplaceMetrics
	PageSize  int
}

// AuditOptions overrides the configured behaviour for one run.
type AuditOptions struct {
	DryRun bool
}

// Anomaly captures an ACTIVE order whose escrow state needs operator review.
type Anomaly struct {
	Type    string
	OrderID uuid.UUID
	Wallet  string
	Details string
}

// AuditRow summarises one ACTIVE order against its live lock slot.
type AuditRow struct {
	OrderID        uuid.UUID
	SellerSubject  string
	WalletAddress  string
	LockTxHash     string
	Amount         string
	ExpiresAt      time.Time
	OnChainAmount  string
	OnChainUnlock  *time.Time
	MissingLock    bool
	AmountMismatch bool
	ExpiryMismatch bool
	PastExpiry     bool
}

// AuditResult summarises an audit run.
type AuditResult struct {
	At          time.Time
	Rows        []*AuditRow
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// Auditor compares ACTIVE orders with the live escrow ledger. It reports
// drift and never mutates orders or funds.
type Auditor struct {
	db        *gorm.DB
	locks     chain.LockReader
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
	metrics   *observability.MarketplaceMetrics
	pageSize  int
}

// NewAuditor validates cfg and applies defaults.
func NewAuditor(cfg AuditConfig) (*Auditor, error) {
	if cfg.DB == nil {
		return nil, errors.New("audit: database required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("audit: lock reader required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join(os.TempDir(), "marketplace-audit")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Auditor{
		db:        cfg.DB,
		locks:     cfg.Locks,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       now,
		alert:     cfg.Alert,
		logger:    logger.With("component", "audit"),
		metrics:   cfg.Metrics,
		pageSize:  pageSize,
	}, nil
}

// Run audits every ACTIVE order and writes CSV and Parquet reports unless
// dry-run is in effect.
func (a *Auditor) Run(ctx context.Context, opts AuditOptions) (result *AuditResult, err error) {
	defer func() { a.metrics.RecordAuditRun(err) }()

	at := a.now().UTC()
	result = &AuditResult{At: at}
	for order, err := range activeOrders(ctx, a.db, a.pageSize, false) {
		if err != nil {
			return nil, fmt.Errorf("audit: list orders: %w", err)
		}
		row, anomalies, err := a.check(ctx, order, at)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
		for _, anomaly := range anomalies {
			result.Anomalies = append(result.Anomalies, a.raise(ctx, anomaly))
		}
	}

	if a.dryRun || opts.DryRun {
		a.logger.Info("audit dry run complete",
			slog.Int("orders", len(result.Rows)),
			slog.Int("anomalies", len(result.Anomalies)))
		return result, nil
	}

	runDir := filepath.Join(a.outputDir, at.Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create output dir: %w", err)
	}
	result.CSVPath = filepath.Join(runDir, "orders.csv")
	if err := writeAuditCSV(result.CSVPath, result.Rows); err != nil {
		return nil, err
	}
	result.ParquetPath = filepath.Join(runDir, "orders.parquet")
	if err := writeAuditParquet(result.ParquetPath, result.Rows); err != nil {
		return nil, err
	}
	a.logger.Info("audit complete",
		slog.Int("orders", len(result.Rows)),
		slog.Int("anomalies", len(result.Anomalies)),
		slog.String("csv", result.CSVPath),
		slog.String("parquet", result.ParquetPath))
	return result, nil
}

func (a *Auditor) check(ctx context.Context, order *models.Order, at time.Time) (*AuditRow, []Anomaly, error) {
	row := &AuditRow{
		OrderID:       order.ID,
		SellerSubject: order.SellerSubject,
		WalletAddress: order.WalletAddress,
		LockTxHash:    order.LockTxHash,
		Amount:        types.FormatFixed(big.NewInt(order.AmountUnits), models.AmountDecimals),
		ExpiresAt:     order.ExpiresAt.UTC(),
	}
	state, err := a.locks.LockOf(ctx, common.HexToAddress(order.WalletAddress))
	if err != nil {
		return nil, nil, fmt.Errorf("audit: read lock for %s: %w", order.WalletAddress, err)
	}

	var anomalies []Anomaly
	flag := func(kind, details string) {
		anomalies = append(anomalies, Anomaly{Type: kind, OrderID: order.ID, Wallet: order.WalletAddress, Details: details})
	}
	if !state.Active() {
		row.MissingLock = true
		flag(AnomalyMissingLock, "no tokens locked for order wallet")
	} else {
		row.OnChainAmount = types.FormatFixed(state.Amount, models.AmountDecimals)
		unlock := state.UnlockTime.UTC()
		row.OnChainUnlock = &unlock
		if state.Amount.Cmp(big.NewInt(order.AmountUnits)) != 0 {
			row.AmountMismatch = true
			flag(AnomalyAmountMismatch, fmt.Sprintf("locked %s, order %s", row.OnChainAmount, row.Amount))
		}
		if !unlock.Equal(row.ExpiresAt) {
			row.ExpiryMismatch = true
			flag(AnomalyExpiryMismatch, fmt.Sprintf("unlocks %s, order expires %s", unlock.Format(time.RFC3339), row.ExpiresAt.Format(time.RFC3339)))
		}
	}
	if !at.Before(row.ExpiresAt) {
		row.PastExpiry = true
		flag(AnomalyPastExpiry, fmt.Sprintf("order still active after %s", row.ExpiresAt.Format(time.RFC3339)))
	}
	return row, anomalies, nil
}

func (a *Auditor) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	a.metrics.RecordAnomaly(anomaly.Type)
	a.logger.Warn("audit anomaly",
		slog.String("reason", anomaly.Type),
		slog.String("order_id", anomaly.OrderID.String()),
		slog.String("wallet", anomaly.Wallet),
		slog.String("details", anomaly.Details))
	if a.alert != nil {
		if err := a.alert(ctx, anomaly); err != nil {
			a.logger.Error("audit alert failed", slog.String("error", err.Error()))
		}
	}
	return anomaly
}

func writeAuditCSV(path string, rows []*AuditRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	if err := encodeAuditCSV(file, rows); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close csv: %w", err)
	}
	return nil
}

func encodeAuditCSV(out io.Writer, rows []*AuditRow) error {
	w := csv.NewWriter(out)
	header := []string{
		"order_id", "seller_subject", "wallet_address", "lock_tx_hash", "amount", "expires_at",
		"onchain_amount", "onchain_unlock", "missing_lock", "amount_mismatch", "expiry_mismatch", "past_expiry",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.OrderID.String(),
			row.SellerSubject,
			row.WalletAddress,
			row.LockTxHash,
			row.Amount,
			row.ExpiresAt.Format(time.RFC3339),
			row.OnChainAmount,
			formatOptionalTime(row.OnChainUnlock),
			strconv.FormatBool(row.MissingLock),
			strconv.FormatBool(row.AmountMismatch),
			strconv.FormatBool(row.ExpiryMismatch),
			strconv.FormatBool(row.PastExpiry),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type auditParquetRow struct {
	OrderID        string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellerSubject  string `parquet:"name=seller_subject, type=BYTE_ARRAY, convertedtype=UTF8"`
	WalletAddress  string `parquet:"name=wallet_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	LockTxHash     string `parquet:"name=lock_tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount         string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiresAt      string `parquet:"name=expires_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	OnChainAmount  string `parquet:"name=onchain_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	OnChainUnlock  string `parquet:"name=onchain_unlock, type=BYTE_ARRAY, convertedtype=UTF8"`
	MissingLock    bool   `parquet:"name=missing_lock, type=BOOLEAN"`
	AmountMismatch bool   `parquet:"name=amount_mismatch, type=BOOLEAN"`
	ExpiryMismatch bool   `parquet:"name=expiry_mismatch, type=BOOLEAN"`
	PastExpiry     bool   `parquet:"name=past_expiry, type=BOOLEAN"`
}

func writeAuditParquet(path string, rows []*AuditRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(auditParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &auditParquetRow{
			OrderID:        row.OrderID.String(),
			SellerSubject:  row.SellerSubject,
			WalletAddress:  row.WalletAddress,
			LockTxHash:     row.LockTxHash,
			Amount:         row.Amount,
			ExpiresAt:      row.ExpiresAt.Format(time.RFC3339),
			OnChainAmount:  row.OnChainAmount,
			OnChainUnlock:  formatOptionalTime(row.OnChainUnlock),
			MissingLock:    row.MissingLock,
			AmountMismatch: row.AmountMismatch,
			ExpiryMismatch: row.ExpiryMismatch,
			PastExpiry:     row.PastExpiry,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: finalize parquet: %w", err)
	}
	return file.Close()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
