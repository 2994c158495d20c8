//go:build !(cgo && sqlite3_cgo)

package db

// The pure Go driver is the default. Build with -tags sqlite3_cgo for mattn.
import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	driverName = "sqlite3"
	driverID   = "ncruces"
)
