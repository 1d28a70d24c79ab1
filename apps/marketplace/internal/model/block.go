package model

import (
	"time"
)

type Block struct {
	Hash      string    `db:"hash"`
	Height    int64     `db:"height"`
	Timestamp time.Time `db:"timestamp"`
}
