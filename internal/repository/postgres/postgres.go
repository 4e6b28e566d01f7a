// Package postgres implements the unit of work and repositories on
// PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/internal/repository"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx; repositories run
// against the active transaction when one is open and the pool otherwise.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UnitOfWork is the pgx-backed transactional boundary.
type UnitOfWork struct {
	pool *pgxpool.Pool
	tx   pgx.Tx

	users            *userRepo
	services         *serviceRepo
	deployments      *deploymentRepo
	steps            *stepRepo
	deployedServices *deployedServiceRepo

	seenSet  map[domain.EventSource]struct{}
	seenList []domain.EventSource
}

// NewUnitOfWork returns a unit of work for one request.
func NewUnitOfWork(pool *pgxpool.Pool) *UnitOfWork {
	u := &UnitOfWork{pool: pool, seenSet: make(map[domain.EventSource]struct{})}
	u.users = &userRepo{uow: u}
	u.services = &serviceRepo{uow: u}
	u.deployments = &deploymentRepo{uow: u}
	u.steps = &stepRepo{uow: u}
	u.deployedServices = &deployedServiceRepo{uow: u}
	return u
}

var _ repository.UnitOfWork = (*UnitOfWork)(nil)

// Begin opens a transaction. Nested transactions are a programming error.
func (u *UnitOfWork) Begin(ctx context.Context) error {
	if u.tx != nil {
		return errors.New("postgres: transaction already open")
	}
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	u.tx = tx
	return nil
}

// Commit commits the open transaction.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.tx == nil {
		return errors.New("postgres: no open transaction")
	}
	err := u.tx.Commit(ctx)
	u.tx = nil
	if err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the open transaction. Calling it with no transaction,
// as a defer after a successful Commit does, is a no-op.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Rollback(ctx)
	u.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

func (u *UnitOfWork) Users() repository.UserRepository             { return u.users }
func (u *UnitOfWork) Services() repository.ServiceRepository       { return u.services }
func (u *UnitOfWork) Deployments() repository.DeploymentRepository { return u.deployments }
func (u *UnitOfWork) Steps() repository.StepRepository             { return u.steps }
func (u *UnitOfWork) DeployedServices() repository.DeployedServiceRepository {
	return u.deployedServices
}

// CollectNewEvents drains recorded events from every aggregate touched
// during this unit of work, in the order they were first seen.
func (u *UnitOfWork) CollectNewEvents() []domain.Event {
	var events []domain.Event
	for _, source := range u.seenList {
		events = append(events, source.CollectEvents()...)
	}
	return events
}

func (u *UnitOfWork) q() querier {
	if u.tx != nil {
		return u.tx
	}
	return u.pool
}

func (u *UnitOfWork) markSeen(source domain.EventSource) {
	if _, ok := u.seenSet[source]; ok {
		return
	}
	u.seenSet[source] = struct{}{}
	u.seenList = append(u.seenList, source)
}

type userRepo struct {
	uow *UnitOfWork
}

func (r *userRepo) Add(ctx context.Context, user *domain.User) error {
	r.uow.markSeen(user)
	if user.ID == 0 {
		const query = `INSERT INTO users (name, password) VALUES ($1, $2) RETURNING id`
		return r.uow.q().QueryRow(ctx, query, user.Name, user.Password).Scan(&user.ID)
	}
	const query = `UPDATE users SET name = $2, password = $3 WHERE id = $1`
	_, err := r.uow.q().Exec(ctx, query, user.ID, user.Name, user.Password)
	return err
}

func (r *userRepo) GetByName(ctx context.Context, name string) (*domain.User, error) {
	const query = `SELECT id, name, password FROM users WHERE name = $1`
	var user domain.User
	err := r.uow.q().QueryRow(ctx, query, name).Scan(&user.ID, &user.Name, &user.Password)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	r.uow.markSeen(&user)
	return &user, nil
}

type serviceRepo struct {
	uow *UnitOfWork
}

func (r *serviceRepo) Add(ctx context.Context, service *domain.Service) error {
	r.uow.markSeen(service)
	if service.ID == 0 {
		const query = `INSERT INTO services (name, data) VALUES ($1, $2) RETURNING id`
		return r.uow.q().QueryRow(ctx, query, service.Name, service.Data).Scan(&service.ID)
	}
	const query = `UPDATE services SET name = $2, data = $3 WHERE id = $1`
	_, err := r.uow.q().Exec(ctx, query, service.ID, service.Name, service.Data)
	return err
}

func (r *serviceRepo) Get(ctx context.Context, id int64) (*domain.Service, error) {
	const query = `SELECT id, name, data FROM services WHERE id = $1`
	return r.scanOne(r.uow.q().QueryRow(ctx, query, id))
}

func (r *serviceRepo) GetByName(ctx context.Context, name string) (*domain.Service, error) {
	const query = `SELECT id, name, data FROM services WHERE name = $1`
	return r.scanOne(r.uow.q().QueryRow(ctx, query, name))
}

func (r *serviceRepo) scanOne(row pgx.Row) (*domain.Service, error) {
	var service domain.Service
	if err := row.Scan(&service.ID, &service.Name, &service.Data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	r.uow.markSeen(&service)
	return &service, nil
}

func (r *serviceRepo) List(ctx context.Context) ([]*domain.Service, error) {
	const query = `SELECT id, name, data FROM services ORDER BY name`
	rows, err := r.uow.q().Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var services []*domain.Service
	for rows.Next() {
		var service domain.Service
		if err := rows.Scan(&service.ID, &service.Name, &service.Data); err != nil {
			return nil, err
		}
		r.uow.markSeen(&service)
		services = append(services, &service)
	}
	return services, rows.Err()
}

func (r *serviceRepo) Delete(ctx context.Context, service *domain.Service) error {
	r.uow.markSeen(service)
	const query = `DELETE FROM services WHERE id = $1`
	_, err := r.uow.q().Exec(ctx, query, service.ID)
	return err
}

type deploymentRepo struct {
	uow *UnitOfWork
}

func (r *deploymentRepo) Add(ctx context.Context, deployment *domain.Deployment) error {
	r.uow.markSeen(deployment)
	if deployment.ID == 0 {
		const query = `INSERT INTO deployments (service_id, origin, user_name, started, finished, context)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
		return r.uow.q().QueryRow(ctx, query,
			deployment.ServiceID, deployment.Origin, deployment.User,
			deployment.Started, deployment.Finished, deployment.Context).Scan(&deployment.ID)
	}
	const query = `UPDATE deployments SET service_id = $2, origin = $3, user_name = $4,
		started = $5, finished = $6, context = $7 WHERE id = $1`
	_, err := r.uow.q().Exec(ctx, query, deployment.ID,
		deployment.ServiceID, deployment.Origin, deployment.User,
		deployment.Started, deployment.Finished, deployment.Context)
	return err
}

const deploymentColumns = `id, service_id, origin, user_name, started, finished, context`

func (r *deploymentRepo) Get(ctx context.Context, id int64) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	var d domain.Deployment
	err := r.uow.q().QueryRow(ctx, query, id).Scan(
		&d.ID, &d.ServiceID, &d.Origin, &d.User, &d.Started, &d.Finished, &d.Context)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	r.uow.markSeen(&d)
	return &d, nil
}

func (r *deploymentRepo) List(ctx context.Context) ([]*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY id`
	return r.list(ctx, query)
}

func (r *deploymentRepo) ListByService(ctx context.Context, serviceID int64) ([]*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE service_id = $1 ORDER BY id`
	return r.list(ctx, query, serviceID)
}

func (r *deploymentRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Deployment, error) {
	rows, err := r.uow.q().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []*domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ServiceID, &d.Origin, &d.User, &d.Started, &d.Finished, &d.Context); err != nil {
			return nil, err
		}
		r.uow.markSeen(&d)
		deployments = append(deployments, &d)
	}
	return deployments, rows.Err()
}

func (r *deploymentRepo) LastSuccessfulID(ctx context.Context, serviceID int64) (int64, error) {
	const query = `SELECT d.id FROM deployments d
		WHERE d.service_id = $1 AND d.finished IS NOT NULL
		AND NOT EXISTS (
			SELECT 1 FROM steps s WHERE s.deployment_id = d.id AND s.state = 'failure'
		)
		ORDER BY d.finished DESC LIMIT 1`
	var id int64
	if err := r.uow.q().QueryRow(ctx, query, serviceID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

func (r *deploymentRepo) Delete(ctx context.Context, deployment *domain.Deployment) error {
	r.uow.markSeen(deployment)
	const query = `DELETE FROM deployments WHERE id = $1`
	_, err := r.uow.q().Exec(ctx, query, deployment.ID)
	return err
}

type stepRepo struct {
	uow *UnitOfWork
}

func (r *stepRepo) Add(ctx context.Context, step *domain.Step) error {
	r.uow.markSeen(step)
	if step.ID == 0 {
		const query = `INSERT INTO steps (name, deployment_id, state, started, finished, message)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
		return r.uow.q().QueryRow(ctx, query,
			step.Name, step.DeploymentID, step.State, step.Started, step.Finished, step.Message).Scan(&step.ID)
	}
	const query = `UPDATE steps SET name = $2, deployment_id = $3, state = $4,
		started = $5, finished = $6, message = $7 WHERE id = $1`
	_, err := r.uow.q().Exec(ctx, query, step.ID,
		step.Name, step.DeploymentID, step.State, step.Started, step.Finished, step.Message)
	return err
}

func (r *stepRepo) Delete(ctx context.Context, step *domain.Step) error {
	r.uow.markSeen(step)
	const query = `DELETE FROM steps WHERE id = $1`
	_, err := r.uow.q().Exec(ctx, query, step.ID)
	return err
}

func (r *stepRepo) ListByDeployment(ctx context.Context, deploymentID int64) ([]*domain.Step, error) {
	const query = `SELECT id, name, deployment_id, state, started, finished, message
		FROM steps WHERE deployment_id = $1 ORDER BY id`
	rows, err := r.uow.q().Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []*domain.Step
	for rows.Next() {
		var step domain.Step
		if err := rows.Scan(&step.ID, &step.Name, &step.DeploymentID, &step.State,
			&step.Started, &step.Finished, &step.Message); err != nil {
			return nil, err
		}
		r.uow.markSeen(&step)
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

func (r *stepRepo) DeleteByDeployment(ctx context.Context, deploymentID int64) error {
	const query = `DELETE FROM steps WHERE deployment_id = $1`
	_, err := r.uow.q().Exec(ctx, query, deploymentID)
	return err
}

type deployedServiceRepo struct {
	uow *UnitOfWork
}

func (r *deployedServiceRepo) Upsert(ctx context.Context, deployed *domain.DeployedService) error {
	const query = `INSERT INTO deployed_services (deployment_id, config)
		VALUES ($1, $2)
		ON CONFLICT (deployment_id) DO UPDATE SET config = EXCLUDED.config
		RETURNING id`
	return r.uow.q().QueryRow(ctx, query, deployed.DeploymentID, deployed.Config).Scan(&deployed.ID)
}

func (r *deployedServiceRepo) List(ctx context.Context) ([]*domain.DeployedService, error) {
	const query = `SELECT id, deployment_id, config FROM deployed_services ORDER BY id`
	rows, err := r.uow.q().Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployed []*domain.DeployedService
	for rows.Next() {
		var d domain.DeployedService
		if err := rows.Scan(&d.ID, &d.DeploymentID, &d.Config); err != nil {
			return nil, err
		}
		deployed = append(deployed, &d)
	}
	return deployed, rows.Err()
}
