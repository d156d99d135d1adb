package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Rajchodisetti/cycle-coordinator/internal/config"
	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// activeSlot is the only non-NULL value of trading_cycles.active_slot; the
// unique index on that column admits one active cycle
var activeSlot = 1

type cycleRow struct {
	ID           string          `gorm:"type:varchar(64);primaryKey"`
	Mode         string          `gorm:"type:varchar(20);not null"`
	State        string          `gorm:"type:varchar(32);not null;index"`
	ActiveSlot   *int            `gorm:"uniqueIndex"`
	StartedAt    time.Time       `gorm:"type:timestamptz;not null"`
	EndedAt      *time.Time      `gorm:"type:timestamptz"`
	RiskBudget   decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	RiskConsumed decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	PnL          decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Outcome      string          `gorm:"type:varchar(32)"`
	FailedStage  string          `gorm:"type:varchar(20)"`
	FailureRate  float64
	StopReason   string    `gorm:"type:text"`
	Flushing     bool      `gorm:"not null;default:false"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (cycleRow) TableName() string { return "trading_cycles" }

type stageResultRow struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	CycleID   string    `gorm:"type:varchar(64);not null;index"`
	Stage     string    `gorm:"type:varchar(20);not null"`
	Symbol    string    `gorm:"type:varchar(20);not null"`
	Score     float64   `gorm:"not null"`
	Decision  string    `gorm:"type:varchar(10);not null"`
	Reason    string    `gorm:"type:varchar(32);not null"`
	LatencyMs int64     `gorm:"not null"`
	At        time.Time `gorm:"type:timestamptz;not null"`
}

func (stageResultRow) TableName() string { return "stage_results" }

type eventRow struct {
	Seq     uint64    `gorm:"primaryKey;autoIncrement"`
	ID      string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	CycleID string    `gorm:"type:varchar(64);index"`
	Type    string    `gorm:"type:varchar(40);not null;index"`
	From    string    `gorm:"column:from_state;type:varchar(32)"`
	To      string    `gorm:"column:to_state;type:varchar(32)"`
	Stage   string    `gorm:"type:varchar(20)"`
	Message string    `gorm:"type:text"`
	Fields  string    `gorm:"type:text"`
	At      time.Time `gorm:"type:timestamptz;not null"`
}

func (eventRow) TableName() string { return "cycle_events" }

type positionRow struct {
	ID            string          `gorm:"type:varchar(64);primaryKey"`
	OrderID       string          `gorm:"type:varchar(64);index"`
	CycleID       string          `gorm:"type:varchar(64);not null;index"`
	Symbol        string          `gorm:"type:varchar(20);not null"`
	Side          string          `gorm:"type:varchar(4);not null"`
	Quantity      decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	EntryPrice    decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	StopLoss      decimal.Decimal `gorm:"type:numeric(30,10)"`
	TakeProfit    decimal.Decimal `gorm:"type:numeric(30,10)"`
	Status        string          `gorm:"type:varchar(10);not null;index"`
	RealizedPnL   decimal.Decimal `gorm:"type:numeric(30,10)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:numeric(30,10)"`
	UpdatedAt     time.Time       `gorm:"type:timestamptz"`
}

func (positionRow) TableName() string { return "positions" }

// Postgres stores cycles, stage results, events and positions through gorm
type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects and migrates the schema
func OpenPostgres(ctx context.Context, cfg config.Store) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	p := &Postgres{db: db}
	if err := db.WithContext(ctx).AutoMigrate(&cycleRow{}, &stageResultRow{}, &eventRow{}, &positionRow{}); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return p, nil
}

// DSN builds a postgres URL from discrete fields unless DSN is set
func DSN(cfg config.Store) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	host := cfg.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{Scheme: "postgres", Host: fmt.Sprintf("%s:%d", host, port)}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	if cfg.Database != "" {
		u.Path = "/" + cfg.Database
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *Postgres) CreateCycle(ctx context.Context, c model.TradingCycle) error {
	err := p.db.WithContext(ctx).Create(toCycleRow(c)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrActiveCycleExists
	}
	return err
}

func (p *Postgres) UpdateCycle(ctx context.Context, c model.TradingCycle) error {
	row := toCycleRow(c)
	res := p.db.WithContext(ctx).Model(&cycleRow{}).Where("id = ?", c.ID).Select("*").Omit("id").Updates(row)
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return ErrActiveCycleExists
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetCycle(ctx context.Context, id string) (model.TradingCycle, error) {
	var row cycleRow
	err := p.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.TradingCycle{}, ErrNotFound
	}
	if err != nil {
		return model.TradingCycle{}, err
	}
	return row.toModel(), nil
}

func (p *Postgres) ActiveCycle(ctx context.Context) (model.TradingCycle, error) {
	var row cycleRow
	err := p.db.WithContext(ctx).Where("active_slot = ?", activeSlot).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.TradingCycle{}, ErrNotFound
	}
	if err != nil {
		return model.TradingCycle{}, err
	}
	return row.toModel(), nil
}

func (p *Postgres) AppendStageResults(ctx context.Context, rs []model.StageResult) error {
	if len(rs) == 0 {
		return nil
	}
	rows := make([]stageResultRow, len(rs))
	for i, r := range rs {
		rows[i] = stageResultRow{
			CycleID:   r.CycleID,
			Stage:     string(r.Stage),
			Symbol:    r.Symbol,
			Score:     r.Score,
			Decision:  string(r.Decision),
			Reason:    r.Reason,
			LatencyMs: r.Latency.Milliseconds(),
			At:        r.At,
		}
	}
	return p.db.WithContext(ctx).CreateInBatches(rows, 200).Error
}

func (p *Postgres) ListStageResults(ctx context.Context, cycleID string) ([]model.StageResult, error) {
	var rows []stageResultRow
	if err := p.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.StageResult, len(rows))
	for i, r := range rows {
		out[i] = model.StageResult{
			CycleID:  r.CycleID,
			Stage:    model.Stage(r.Stage),
			Symbol:   r.Symbol,
			Score:    r.Score,
			Decision: model.Decision(r.Decision),
			Reason:   r.Reason,
			Latency:  time.Duration(r.LatencyMs) * time.Millisecond,
			At:       r.At,
		}
	}
	return out, nil
}

func (p *Postgres) AppendEvent(ctx context.Context, e model.Event) error {
	fields := ""
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("encode event fields: %w", err)
		}
		fields = string(b)
	}
	row := eventRow{
		ID:      e.ID,
		CycleID: e.CycleID,
		Type:    e.Type,
		From:    string(e.From),
		To:      string(e.To),
		Stage:   string(e.Stage),
		Message: e.Message,
		Fields:  fields,
		At:      e.At,
	}
	return p.db.WithContext(ctx).Create(&row).Error
}

func (p *Postgres) ListEvents(ctx context.Context, cycleID string) ([]model.Event, error) {
	var rows []eventRow
	if err := p.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Event, len(rows))
	for i, r := range rows {
		e := model.Event{
			ID:      r.ID,
			CycleID: r.CycleID,
			Type:    r.Type,
			From:    model.CycleState(r.From),
			To:      model.CycleState(r.To),
			Stage:   model.Stage(r.Stage),
			Message: r.Message,
			At:      r.At,
		}
		if r.Fields != "" {
			if err := json.Unmarshal([]byte(r.Fields), &e.Fields); err != nil {
				return nil, fmt.Errorf("decode event %s fields: %w", r.ID, err)
			}
		}
		out[i] = e
	}
	return out, nil
}

func (p *Postgres) SavePositions(ctx context.Context, ps []model.Position) error {
	if len(ps) == 0 {
		return nil
	}
	rows := make([]positionRow, len(ps))
	for i, pos := range ps {
		rows[i] = positionRow{
			ID:            pos.ID,
			OrderID:       pos.OrderID,
			CycleID:       pos.CycleID,
			Symbol:        pos.Symbol,
			Side:          string(pos.Side),
			Quantity:      decimal.NewFromFloat(pos.Quantity),
			EntryPrice:    decimal.NewFromFloat(pos.EntryPrice),
			StopLoss:      decimal.NewFromFloat(pos.StopLoss),
			TakeProfit:    decimal.NewFromFloat(pos.TakeProfit),
			Status:        string(pos.Status),
			RealizedPnL:   decimal.NewFromFloat(pos.RealizedPnL),
			UnrealizedPnL: decimal.NewFromFloat(pos.UnrealizedPnL),
			UpdatedAt:     pos.UpdatedAt,
		}
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
}

func (p *Postgres) OpenPositions(ctx context.Context, cycleID string) ([]model.Position, error) {
	q := p.db.WithContext(ctx).Where("status <> ?", string(model.PositionClosed))
	if cycleID != "" {
		q = q.Where("cycle_id = ?", cycleID)
	}
	var rows []positionRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Position, len(rows))
	for i, r := range rows {
		out[i] = model.Position{
			ID:            r.ID,
			OrderID:       r.OrderID,
			CycleID:       r.CycleID,
			Symbol:        r.Symbol,
			Side:          model.Side(r.Side),
			Quantity:      r.Quantity.InexactFloat64(),
			EntryPrice:    r.EntryPrice.InexactFloat64(),
			StopLoss:      r.StopLoss.InexactFloat64(),
			TakeProfit:    r.TakeProfit.InexactFloat64(),
			Status:        model.PositionStatus(r.Status),
			RealizedPnL:   r.RealizedPnL.InexactFloat64(),
			UnrealizedPnL: r.UnrealizedPnL.InexactFloat64(),
			UpdatedAt:     r.UpdatedAt,
		}
	}
	return out, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toCycleRow(c model.TradingCycle) *cycleRow {
	row := &cycleRow{
		ID:           c.ID,
		Mode:         string(c.Mode),
		State:        string(c.State),
		StartedAt:    c.StartedAt,
		EndedAt:      c.EndedAt,
		RiskBudget:   decimal.NewFromFloat(c.RiskBudget),
		RiskConsumed: decimal.NewFromFloat(c.RiskConsumed),
		PnL:          decimal.NewFromFloat(c.PnL),
		Outcome:      c.Outcome,
		FailedStage:  string(c.FailedStage),
		FailureRate:  c.FailureRate,
		StopReason:   c.StopReason,
		Flushing:     c.Flushing,
	}
	if c.Active() {
		slot := activeSlot
		row.ActiveSlot = &slot
	}
	return row
}

func (r cycleRow) toModel() model.TradingCycle {
	return model.TradingCycle{
		ID:           r.ID,
		Mode:         model.Mode(r.Mode),
		State:        model.CycleState(r.State),
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		RiskBudget:   r.RiskBudget.InexactFloat64(),
		RiskConsumed: r.RiskConsumed.InexactFloat64(),
		PnL:          r.PnL.InexactFloat64(),
		Outcome:      r.Outcome,
		FailedStage:  model.Stage(r.FailedStage),
		FailureRate:  r.FailureRate,
		StopReason:   r.StopReason,
		Flushing:     r.Flushing,
	}
}
