package model

import "time"

type Notification struct {
	ID            int64      `db:"id"`
	UserID        int64      `db:"user_id"`
	PublicationID *int64     `db:"publication_id"`
	AccountID     *int64     `db:"account_id"`
	Kind          string     `db:"kind"`
	Message       string     `db:"message"`
	CreatedAt     time.Time  `db:"created_at"`
	ReadAt        *time.Time `db:"read_at"`
}
