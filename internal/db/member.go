package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/credcoin/clearing/internal/models"
)

// CreateMember inserts a new member
func (db *DB) CreateMember(ctx context.Context, handle, passwordHash string) (*models.Member, error) {
	member := &models.Member{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO members (handle, password_hash) VALUES ($1, $2) RETURNING id, handle, password_hash, created_at",
		handle, passwordHash).Scan(&member.ID, &member.Handle, &member.PasswordHash, &member.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create member: %w", err)
	}
	return member, nil
}

// GetMemberByHandle retrieves a member by handle
func (db *DB) GetMemberByHandle(ctx context.Context, handle string) (*models.Member, error) {
	member := &models.Member{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, handle, password_hash, created_at FROM members WHERE handle = $1",
		handle).Scan(&member.ID, &member.Handle, &member.PasswordHash, &member.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return member, nil
}
