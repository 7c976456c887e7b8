/*
Copyright 2024 Xanthus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStorage is a durable Storage backed by MySQL. The DSN must enable
// parseTime so DATETIME columns scan into time.Time.
type MySQLStorage struct {
	db *sql.DB
}

// NewMySQLStorage opens a MySQL-backed store.
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	return &MySQLStorage{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *MySQLStorage) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the registry tables when missing.
func (s *MySQLStorage) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS `deployments` (" +
			"`id` CHAR(36) NOT NULL, " +
			"`descriptor_id` VARCHAR(128) NOT NULL, " +
			"`target_id` VARCHAR(128) NOT NULL, " +
			"`subdomain` VARCHAR(255) NOT NULL, " +
			"`namespace` VARCHAR(128) NOT NULL, " +
			"`release_name` VARCHAR(128) NOT NULL, " +
			"`port` INT NOT NULL, " +
			"`desired_version` VARCHAR(64) NOT NULL, " +
			"`observed_version` VARCHAR(64) NOT NULL DEFAULT '', " +
			"`status` VARCHAR(16) NOT NULL, " +
			"`values_hash` CHAR(64) NOT NULL DEFAULT '', " +
			"`last_error` TEXT, " +
			"`created` DATETIME(3) NOT NULL, " +
			"`updated` DATETIME(3) NOT NULL, " +
			"PRIMARY KEY (`id`), " +
			"UNIQUE KEY `natural_key` (`descriptor_id`, `target_id`, `subdomain`))",
		"CREATE TABLE IF NOT EXISTS `port_forwards` (" +
			"`id` CHAR(36) NOT NULL, " +
			"`deployment_id` CHAR(36) NOT NULL, " +
			"`port` INT NOT NULL, " +
			"`subdomain` VARCHAR(255) NOT NULL, " +
			"`url` VARCHAR(512) NOT NULL, " +
			"`created` DATETIME(3) NOT NULL, " +
			"PRIMARY KEY (`id`), " +
			"UNIQUE KEY `owner` (`deployment_id`))",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

const mysqlErrDuplicateEntry = 1062

// CreateDeployment stores a new deployment.
func (s *MySQLStorage) CreateDeployment(ctx context.Context, d *Deployment) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO `deployments` (`id`, `descriptor_id`, `target_id`, `subdomain`, `namespace`, `release_name`, `port`, `desired_version`, `observed_version`, `status`, `values_hash`, `last_error`, `created`, `updated`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		d.ID, d.Key.DescriptorID, d.Key.TargetID, d.Key.Subdomain, d.Namespace, d.ReleaseName,
		d.Port, d.DesiredVersion, d.ObservedVersion, string(d.Status), d.AppliedValuesHash,
		d.LastError, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return &DuplicateDeploymentError{Key: d.Key}
		}
		return fmt.Errorf("inserting deployment: %w", err)
	}
	return nil
}

// UpdateDeployment replaces an existing record.
func (s *MySQLStorage) UpdateDeployment(ctx context.Context, d *Deployment) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE `deployments` SET `namespace` = ?, `release_name` = ?, `port` = ?, `desired_version` = ?, `observed_version` = ?, `status` = ?, `values_hash` = ?, `last_error` = ?, `updated` = ? WHERE `id` = ?",
		d.Namespace, d.ReleaseName, d.Port, d.DesiredVersion, d.ObservedVersion,
		string(d.Status), d.AppliedValuesHash, d.LastError, d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetDeployment(ctx, d.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

const deploymentColumns = "`id`, `descriptor_id`, `target_id`, `subdomain`, `namespace`, `release_name`, `port`, `desired_version`, `observed_version`, `status`, `values_hash`, `last_error`, `created`, `updated`"

func scanDeployment(row interface{ Scan(...any) error }) (*Deployment, error) {
	var d Deployment
	var status string
	var lastError sql.NullString
	if err := row.Scan(&d.ID, &d.Key.DescriptorID, &d.Key.TargetID, &d.Key.Subdomain,
		&d.Namespace, &d.ReleaseName, &d.Port, &d.DesiredVersion, &d.ObservedVersion,
		&status, &d.AppliedValuesHash, &lastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.LastError = lastError.String
	return &d, nil
}

// GetDeployment fetches by registry id.
func (s *MySQLStorage) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+deploymentColumns+" FROM `deployments` WHERE `id` = ?", id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Ref: id}
	}
	if err != nil {
		return nil, fmt.Errorf("selecting deployment: %w", err)
	}
	return d, nil
}

// GetDeploymentByKey fetches by natural key.
func (s *MySQLStorage) GetDeploymentByKey(ctx context.Context, key Key) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+deploymentColumns+" FROM `deployments` WHERE `descriptor_id` = ? AND `target_id` = ? AND `subdomain` = ?",
		key.DescriptorID, key.TargetID, key.Subdomain)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Ref: key.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("selecting deployment: %w", err)
	}
	return d, nil
}

// ListDeployments lists records matching the filter, ordered by key.
func (s *MySQLStorage) ListDeployments(ctx context.Context, filter Filter) ([]*Deployment, error) {
	q := "SELECT " + deploymentColumns + " FROM `deployments`"
	var clauses []string
	var args []any
	if filter.DescriptorID != "" {
		clauses = append(clauses, "`descriptor_id` = ?")
		args = append(args, filter.DescriptorID)
	}
	if filter.TargetID != "" {
		clauses = append(clauses, "`target_id` = ?")
		args = append(args, filter.TargetID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "`status` = ?")
		args = append(args, string(filter.Status))
	}
	for i, c := range clauses {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY `descriptor_id`, `target_id`, `subdomain`"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	return out, nil
}

// DeleteDeployment removes a record and its port-forwards.
func (s *MySQLStorage) DeleteDeployment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM `deployments` WHERE `id` = ?", id)
	if err != nil {
		return fmt.Errorf("deleting deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting deployment: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Ref: id}
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM `port_forwards` WHERE `deployment_id` = ?", id)
	if err != nil {
		return fmt.Errorf("deleting port forwards: %w", err)
	}
	return nil
}

// CreatePortForward stores a port-forward record.
func (s *MySQLStorage) CreatePortForward(ctx context.Context, pf *PortForward) error {
	if pf.ID == "" {
		pf.ID = uuid.NewString()
	}
	if pf.CreatedAt.IsZero() {
		pf.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO `port_forwards` (`id`, `deployment_id`, `port`, `subdomain`, `url`, `created`) VALUES (?, ?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE `port` = VALUES(`port`), `subdomain` = VALUES(`subdomain`), `url` = VALUES(`url`)",
		pf.ID, pf.DeploymentID, pf.Port, pf.Subdomain, pf.URL, pf.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting port forward: %w", err)
	}
	return nil
}

// GetPortForward fetches the port-forward owned by a deployment.
func (s *MySQLStorage) GetPortForward(ctx context.Context, deploymentID string) (*PortForward, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT `id`, `deployment_id`, `port`, `subdomain`, `url`, `created` FROM `port_forwards` WHERE `deployment_id` = ?",
		deploymentID)
	var pf PortForward
	err := row.Scan(&pf.ID, &pf.DeploymentID, &pf.Port, &pf.Subdomain, &pf.URL, &pf.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Ref: deploymentID}
	}
	if err != nil {
		return nil, fmt.Errorf("selecting port forward: %w", err)
	}
	return &pf, nil
}

// ListPortForwards lists all port-forward records.
func (s *MySQLStorage) ListPortForwards(ctx context.Context) ([]*PortForward, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT `id`, `deployment_id`, `port`, `subdomain`, `url`, `created` FROM `port_forwards` ORDER BY `subdomain`")
	if err != nil {
		return nil, fmt.Errorf("listing port forwards: %w", err)
	}
	defer rows.Close()

	var out []*PortForward
	for rows.Next() {
		var pf PortForward
		if err := rows.Scan(&pf.ID, &pf.DeploymentID, &pf.Port, &pf.Subdomain, &pf.URL, &pf.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning port forward: %w", err)
		}
		out = append(out, &pf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing port forwards: %w", err)
	}
	return out, nil
}

// DeletePortForward removes the port-forward owned by a deployment.
func (s *MySQLStorage) DeletePortForward(ctx context.Context, deploymentID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM `port_forwards` WHERE `deployment_id` = ?", deploymentID)
	if err != nil {
		return fmt.Errorf("deleting port forward: %w", err)
	}
	return nil
}
