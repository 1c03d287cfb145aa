// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/sponsorship-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRuleNotFound возвращается, если спонсорское правило не найдено.
var (
	ErrRuleNotFound = errors.New("support rule not found")
	// ErrRuleNotActive возвращается при попытке резерва против неактивного правила
	// или правила вне окна действия.
	ErrRuleNotActive = errors.New("support rule is not active")
	// ErrRuleStatusConflict возвращается при недопустимой смене статуса правила,
	// например при попытке возобновить завершённое правило.
	ErrRuleStatusConflict = errors.New("support rule status conflict")
	// ErrAllocationNotFound возвращается, если заявка не найдена.
	ErrAllocationNotFound = errors.New("allocation not found")
	// ErrAllocationExists возвращается при повторном резерве той же тройки
	// (правило, пользователь, программа).
	ErrAllocationExists = errors.New("active allocation already exists")
	// ErrAllocationConflict возвращается при недопустимом переходе статуса заявки.
	ErrAllocationConflict = errors.New("allocation is in a terminal state")
	// ErrReservationExpired возвращается при попытке подтвердить просроченный резерв.
	ErrReservationExpired = errors.New("reservation expired")
	// ErrBudgetExceeded возвращается, когда операция вывела бы расход за пределы бюджета.
	ErrBudgetExceeded = errors.New("rule budget exceeded")
	// ErrParticipantLimit возвращается, когда лимит участников правила исчерпан.
	ErrParticipantLimit = errors.New("participant limit reached")
)

// PostgresRepository предоставляет доступ к хранилищу правил и заявок в PostgreSQL.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	reservationTTL time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
// reservationTTL задаёт срок жизни резерва: более старые резервы считаются
// освобождёнными при любом расчёте доступного бюджета.
func NewPostgresRepository(dsn string, reservationTTL time.Duration) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, reservationTTL: reservationTTL}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// staleBefore возвращает границу времени: резервы, созданные раньше неё, просрочены.
func (r *PostgresRepository) staleBefore() time.Time {
	return time.Now().Add(-r.reservationTTL)
}

// withRetry повторяет операцию при сбоях сериализации, дедлоках и сетевых
// ошибках. Конкурентные capture/release против одного правила сериализуются
// блокировкой строки, поэтому такие сбои временные.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateRule сохраняет новое спонсорское правило.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule *model.SupportRule) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO support_rules
		     (id, sponsor_id, scope_type, scope_id, amount, currency, budget_total, max_participants, start_at, end_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at`,
		rule.ID, rule.SponsorID, string(rule.ScopeType), rule.ScopeID,
		rule.Amount, string(rule.Currency), rule.BudgetTotal, rule.MaxParticipants,
		rule.StartAt, rule.EndAt, string(rule.Status),
	).Scan(&rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

const ruleWithUsageColumns = `
	r.id, r.sponsor_id, r.scope_type, r.scope_id, r.amount, r.currency,
	r.budget_total, r.budget_spent, r.max_participants, r.start_at, r.end_at,
	r.status, r.created_at,
	COALESCE(u.reserved_amount, 0), COALESCE(u.reserved_count, 0), COALESCE(u.captured_count, 0)`

const ruleUsageJoin = `
	LEFT JOIN LATERAL (
		SELECT SUM(a.amount) FILTER (WHERE a.status = 'reserved' AND a.created_at >= $1) AS reserved_amount,
		       COUNT(*) FILTER (WHERE a.status = 'reserved' AND a.created_at >= $1) AS reserved_count,
		       COUNT(*) FILTER (WHERE a.status = 'captured') AS captured_count
		FROM allocations a
		WHERE a.rule_id = r.id
	) u ON TRUE`

func scanRuleWithUsage(row pgx.Row) (*model.RuleWithUsage, error) {
	var (
		res             model.RuleWithUsage
		scopeType       string
		currency        string
		status          string
		maxParticipants *int32
		reservedCount   int64
		capturedCount   int64
	)

	err := row.Scan(
		&res.Rule.ID, &res.Rule.SponsorID, &scopeType, &res.Rule.ScopeID,
		&res.Rule.Amount, &currency, &res.Rule.BudgetTotal, &res.Rule.BudgetSpent,
		&maxParticipants, &res.Rule.StartAt, &res.Rule.EndAt, &status, &res.Rule.CreatedAt,
		&res.Usage.ReservedAmount, &reservedCount, &capturedCount,
	)
	if err != nil {
		return nil, err
	}

	res.Rule.ScopeType = model.ScopeType(scopeType)
	res.Rule.Currency = model.Currency(currency)
	res.Rule.Status = model.RuleStatus(status)
	if maxParticipants != nil {
		v := int(*maxParticipants)
		res.Rule.MaxParticipants = &v
	}
	res.Usage.ReservedCount = int(reservedCount)
	res.Usage.CapturedCount = int(capturedCount)

	return &res, nil
}

// GetRule возвращает правило вместе с текущим потреблением бюджета.
func (r *PostgresRepository) GetRule(ctx context.Context, ruleID string) (*model.RuleWithUsage, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+ruleWithUsageColumns+`
		 FROM support_rules r`+ruleUsageJoin+`
		 WHERE r.id = $2`,
		r.staleBefore(), ruleID,
	)

	res, err := scanRuleWithUsage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}

	return res, nil
}

// UpdateRuleStatus переводит правило в новый статус. Переход выполняется только
// из перечисленных статусов; иначе возвращается ErrRuleStatusConflict.
func (r *PostgresRepository) UpdateRuleStatus(ctx context.Context, ruleID string, from []model.RuleStatus, to model.RuleStatus) error {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE support_rules SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		ruleID, string(to), allowed,
	)
	if err != nil {
		return fmt.Errorf("update rule status: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM support_rules WHERE id = $1)`,
		ruleID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check rule exists: %w", err)
	}

	if !exists {
		return ErrRuleNotFound
	}
	return ErrRuleStatusConflict
}

// ListActiveRules возвращает активные правила указанной валюты по списку целей
// вместе со срезом потребления. Один запрос обслуживает и одиночный, и
// пакетный расчёт цены.
func (r *PostgresRepository) ListActiveRules(ctx context.Context, refs []model.ScopeRef, currency model.Currency) ([]model.RuleWithUsage, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	scopeTypes := make([]string, 0, len(refs))
	scopeIDs := make([]string, 0, len(refs))
	for _, ref := range refs {
		scopeTypes = append(scopeTypes, string(ref.Type))
		scopeIDs = append(scopeIDs, ref.ID)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+ruleWithUsageColumns+`
		 FROM support_rules r`+ruleUsageJoin+`
		 WHERE r.status = 'active'
		   AND r.currency = $2
		   AND (r.scope_type, r.scope_id) IN (SELECT * FROM unnest($3::text[], $4::text[]))
		 ORDER BY r.created_at, r.id`,
		r.staleBefore(), string(currency), scopeTypes, scopeIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select active rules: %w", err)
	}
	defer rows.Close()

	var res []model.RuleWithUsage
	for rows.Next() {
		item, err := scanRuleWithUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		res = append(res, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReserveAllocation создаёт заявку в статусе reserved. Строка правила
// блокируется FOR UPDATE, чтобы проверка бюджета и вставка заявки были
// атомарными: два конкурентных резерва не пройдут против последней единицы
// бюджета. Сумма копируется из правила в момент резерва.
func (r *PostgresRepository) ReserveAllocation(ctx context.Context, ruleID, programID, userID string) (*model.Allocation, error) {
	var alloc *model.Allocation

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		alloc, err = r.reserveAllocation(ctx, ruleID, programID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return alloc, nil
}

func (r *PostgresRepository) reserveAllocation(ctx context.Context, ruleID, programID, userID string) (*model.Allocation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		sponsorID       string
		amount          int64
		currency        string
		budgetTotal     int64
		budgetSpent     int64
		maxParticipants *int32
		startAt         time.Time
		endAt           *time.Time
		status          string
	)
	err = tx.QueryRow(ctx,
		`SELECT sponsor_id, amount, currency, budget_total, budget_spent, max_participants, start_at, end_at, status
		 FROM support_rules WHERE id = $1 FOR UPDATE`,
		ruleID,
	).Scan(&sponsorID, &amount, &currency, &budgetTotal, &budgetSpent, &maxParticipants, &startAt, &endAt, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("lock rule: %w", err)
	}

	now := time.Now()
	if status != string(model.RuleStatusActive) || now.Before(startAt) || (endAt != nil && !now.Before(*endAt)) {
		return nil, ErrRuleNotActive
	}

	var (
		reservedAmount int64
		reservedCount  int64
		capturedCount  int64
	)
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount) FILTER (WHERE status = 'reserved' AND created_at >= $2), 0),
		        COUNT(*) FILTER (WHERE status = 'reserved' AND created_at >= $2),
		        COUNT(*) FILTER (WHERE status = 'captured')
		 FROM allocations WHERE rule_id = $1`,
		ruleID, r.staleBefore(),
	).Scan(&reservedAmount, &reservedCount, &capturedCount)
	if err != nil {
		return nil, fmt.Errorf("sum allocations: %w", err)
	}

	if budgetTotal-budgetSpent-reservedAmount < amount {
		return nil, ErrBudgetExceeded
	}
	if maxParticipants != nil && reservedCount+capturedCount >= int64(*maxParticipants) {
		return nil, ErrParticipantLimit
	}

	alloc := &model.Allocation{
		ID:        uuid.NewString(),
		RuleID:    ruleID,
		SponsorID: sponsorID,
		ProgramID: programID,
		UserID:    userID,
		Amount:    amount,
		Currency:  model.Currency(currency),
		Status:    model.AllocationStatusReserved,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO allocations (id, rule_id, sponsor_id, program_id, user_id, amount, currency, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		alloc.ID, alloc.RuleID, alloc.SponsorID, alloc.ProgramID, alloc.UserID,
		alloc.Amount, string(alloc.Currency), string(alloc.Status),
	).Scan(&alloc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrAllocationExists
		}
		return nil, fmt.Errorf("insert allocation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return alloc, nil
}

// CaptureAllocation подтверждает резерв: сумма заявки навсегда засчитывается в
// budget_spent правила. Увеличение условное — если расход вышел бы за
// budget_total, операция отклоняется с ErrBudgetExceeded. Просроченный резерв
// переводится в released, и возвращается ErrReservationExpired.
func (r *PostgresRepository) CaptureAllocation(ctx context.Context, allocationID string) (*model.Allocation, error) {
	var alloc *model.Allocation

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		alloc, err = r.captureAllocation(ctx, allocationID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return alloc, nil
}

func (r *PostgresRepository) captureAllocation(ctx context.Context, allocationID string) (*model.Allocation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	alloc, err := lockAllocation(ctx, tx, allocationID)
	if err != nil {
		return nil, err
	}

	if alloc.Status != model.AllocationStatusReserved {
		return nil, fmt.Errorf("%w: %s", ErrAllocationConflict, alloc.Status)
	}

	if alloc.CreatedAt.Before(r.staleBefore()) {
		err = tx.QueryRow(ctx,
			`UPDATE allocations SET status = 'released', released_at = now() WHERE id = $1 RETURNING released_at`,
			allocationID,
		).Scan(&alloc.ReleasedAt)
		if err != nil {
			return nil, fmt.Errorf("release expired allocation: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return nil, ErrReservationExpired
	}

	var maxParticipants *int32
	err = tx.QueryRow(ctx,
		`SELECT max_participants FROM support_rules WHERE id = $1 FOR UPDATE`,
		alloc.RuleID,
	).Scan(&maxParticipants)
	if err != nil {
		return nil, fmt.Errorf("lock rule: %w", err)
	}

	if maxParticipants != nil {
		var capturedCount int64
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM allocations WHERE rule_id = $1 AND status = 'captured'`,
			alloc.RuleID,
		).Scan(&capturedCount)
		if err != nil {
			return nil, fmt.Errorf("count captured: %w", err)
		}
		if capturedCount >= int64(*maxParticipants) {
			return nil, ErrParticipantLimit
		}
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE support_rules SET budget_spent = budget_spent + $2
		 WHERE id = $1 AND budget_spent + $2 <= budget_total`,
		alloc.RuleID, alloc.Amount,
	)
	if err != nil {
		return nil, fmt.Errorf("increment budget spent: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return nil, ErrBudgetExceeded
	}

	err = tx.QueryRow(ctx,
		`UPDATE allocations SET status = 'captured', captured_at = now() WHERE id = $1 RETURNING captured_at`,
		allocationID,
	).Scan(&alloc.CapturedAt)
	if err != nil {
		return nil, fmt.Errorf("capture allocation: %w", err)
	}
	alloc.Status = model.AllocationStatusCaptured

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return alloc, nil
}

// ReleaseAllocation освобождает заявку. Для резерва бюджет возвращается сам
// собой (резерв перестаёт учитываться), для подтверждённой заявки —
// административный возврат с уменьшением budget_spent. Повторное освобождение
// отклоняется с ErrAllocationConflict.
func (r *PostgresRepository) ReleaseAllocation(ctx context.Context, allocationID string) (*model.Allocation, error) {
	var alloc *model.Allocation

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		alloc, err = r.releaseAllocation(ctx, allocationID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return alloc, nil
}

func (r *PostgresRepository) releaseAllocation(ctx context.Context, allocationID string) (*model.Allocation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	alloc, err := lockAllocation(ctx, tx, allocationID)
	if err != nil {
		return nil, err
	}

	if alloc.Status == model.AllocationStatusReleased {
		return nil, fmt.Errorf("%w: %s", ErrAllocationConflict, alloc.Status)
	}

	if alloc.Status == model.AllocationStatusCaptured {
		cmdTag, err := tx.Exec(ctx,
			`UPDATE support_rules SET budget_spent = budget_spent - $2
			 WHERE id = $1 AND budget_spent >= $2`,
			alloc.RuleID, alloc.Amount,
		)
		if err != nil {
			return nil, fmt.Errorf("decrement budget spent: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return nil, fmt.Errorf("budget accounting inconsistency for rule %s", alloc.RuleID)
		}
	}

	err = tx.QueryRow(ctx,
		`UPDATE allocations SET status = 'released', released_at = now() WHERE id = $1 RETURNING released_at`,
		allocationID,
	).Scan(&alloc.ReleasedAt)
	if err != nil {
		return nil, fmt.Errorf("release allocation: %w", err)
	}
	alloc.Status = model.AllocationStatusReleased

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return alloc, nil
}

func lockAllocation(ctx context.Context, tx pgx.Tx, allocationID string) (*model.Allocation, error) {
	var (
		alloc    model.Allocation
		currency string
		status   string
	)

	err := tx.QueryRow(ctx,
		`SELECT id, rule_id, sponsor_id, program_id, user_id, amount, currency, status, created_at, captured_at, released_at
		 FROM allocations WHERE id = $1 FOR UPDATE`,
		allocationID,
	).Scan(
		&alloc.ID, &alloc.RuleID, &alloc.SponsorID, &alloc.ProgramID, &alloc.UserID,
		&alloc.Amount, &currency, &status, &alloc.CreatedAt, &alloc.CapturedAt, &alloc.ReleasedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAllocationNotFound
		}
		return nil, fmt.Errorf("lock allocation: %w", err)
	}

	alloc.Currency = model.Currency(currency)
	alloc.Status = model.AllocationStatus(status)

	return &alloc, nil
}

// GetAllocation возвращает заявку по идентификатору.
func (r *PostgresRepository) GetAllocation(ctx context.Context, allocationID string) (*model.Allocation, error) {
	var (
		alloc    model.Allocation
		currency string
		status   string
	)

	err := r.pool.QueryRow(ctx,
		`SELECT id, rule_id, sponsor_id, program_id, user_id, amount, currency, status, created_at, captured_at, released_at
		 FROM allocations WHERE id = $1`,
		allocationID,
	).Scan(
		&alloc.ID, &alloc.RuleID, &alloc.SponsorID, &alloc.ProgramID, &alloc.UserID,
		&alloc.Amount, &currency, &status, &alloc.CreatedAt, &alloc.CapturedAt, &alloc.ReleasedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAllocationNotFound
		}
		return nil, fmt.Errorf("get allocation: %w", err)
	}

	alloc.Currency = model.Currency(currency)
	alloc.Status = model.AllocationStatus(status)

	return &alloc, nil
}

// ReleaseExpiredReservations переводит просроченные резервы в released.
// Ленивый учёт уже не считает их занятым бюджетом; фоновая уборка лишь
// фиксирует это в данных.
func (r *PostgresRepository) ReleaseExpiredReservations(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE allocations SET status = 'released', released_at = now()
		 WHERE status = 'reserved' AND created_at < $1`,
		r.staleBefore(),
	)
	if err != nil {
		return 0, fmt.Errorf("release expired reservations: %w", err)
	}

	return cmdTag.RowsAffected(), nil
}
