// Package repository хранит последние сведённые представления заказов.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/ordersync/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrViewNotFound возвращается, если для заказа нет сохранённого представления.
	ErrViewNotFound = errors.New("order view not found")
	// ErrOwnerNotFound возвращается, если владелец заказа не записан.
	ErrOwnerNotFound = errors.New("order owner not found")
)

// PostgresRepository хранит снимки OrderView в PostgreSQL.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	backoff func() retry.Backoff
}

// NewPostgresRepository создаёт репозиторий и применяет миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
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

	r := &PostgresRepository{pool: pool, backoff: defaultBackoff}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewFibonacci(time.Second))
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

// withRetry повторяет fn при конфликте сериализации, взаимной блокировке и обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// SaveView сохраняет снимок, если он не старше уже сохранённого.
func (r *PostgresRepository) SaveView(ctx context.Context, v model.OrderView) error {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO order_views
			   (order_id, payment_status, fulfillment_status, refund_status, refund_amount,
			    tracking_number, source_of_truth, last_updated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (order_id) DO UPDATE SET
			   payment_status     = EXCLUDED.payment_status,
			   fulfillment_status = EXCLUDED.fulfillment_status,
			   refund_status      = EXCLUDED.refund_status,
			   refund_amount      = EXCLUDED.refund_amount,
			   tracking_number    = EXCLUDED.tracking_number,
			   source_of_truth    = EXCLUDED.source_of_truth,
			   last_updated       = EXCLUDED.last_updated,
			   saved_at           = now()
			 WHERE order_views.last_updated <= EXCLUDED.last_updated`,
			v.OrderID,
			string(v.PaymentStatus),
			string(v.FulfillmentStatus),
			string(v.RefundStatus),
			v.RefundAmount,
			v.TrackingNumber,
			string(v.SourceOfTruth),
			v.LastUpdated,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save order view: %w", err)
	}
	return nil
}

// LoadView возвращает сохранённый снимок заказа.
func (r *PostgresRepository) LoadView(ctx context.Context, orderID string) (*model.OrderView, error) {
	var (
		v                            model.OrderView
		payment, fulfillment, refund string
		source                       string
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT order_id, payment_status, fulfillment_status, refund_status, refund_amount,
			        tracking_number, source_of_truth, last_updated
			 FROM order_views
			 WHERE order_id = $1`,
			orderID,
		).Scan(&v.OrderID, &payment, &fulfillment, &refund, &v.RefundAmount,
			&v.TrackingNumber, &source, &v.LastUpdated)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrViewNotFound
		}
		return nil, fmt.Errorf("load order view: %w", err)
	}

	v.PaymentStatus = model.PaymentStatus(payment)
	v.FulfillmentStatus = model.FulfillmentStatus(fulfillment)
	v.RefundStatus = model.RefundStatus(refund)
	v.SourceOfTruth = model.Source(source)

	return &v, nil
}

// SaveOwner записывает покупателя, оформившего заказ. Первая запись не перезаписывается.
func (r *PostgresRepository) SaveOwner(ctx context.Context, orderID, customerID string) error {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO order_owners (order_id, customer_id)
			 VALUES ($1, $2)
			 ON CONFLICT (order_id) DO NOTHING`,
			orderID, customerID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save order owner: %w", err)
	}
	return nil
}

// LoadOwner возвращает покупателя, оформившего заказ.
func (r *PostgresRepository) LoadOwner(ctx context.Context, orderID string) (string, error) {
	var customerID string
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT customer_id FROM order_owners WHERE order_id = $1`,
			orderID,
		).Scan(&customerID)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrOwnerNotFound
		}
		return "", fmt.Errorf("load order owner: %w", err)
	}
	return customerID, nil
}
