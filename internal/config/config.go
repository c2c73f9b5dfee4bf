// Package config reads process settings from the environment and fitting
// settings from a YAML file.
package config

import (
	"os"
	"strings"

	"bayesfitness/internal/blob"
	"bayesfitness/internal/catalog"
)

// Env is the process configuration taken from BAYESFITNESS_* variables.
type Env struct {
	Blob     blob.Config
	Catalog  catalog.Config
	LogLevel string
}

// FromEnv reads the environment. Unset variables keep backend defaults.
//
//	BAYESFITNESS_BLOB_DRIVER: fs|s3|memory (default fs)
//	BAYESFITNESS_BLOB_FS_ROOT: artifact directory for the fs driver (default ./artifacts)
//	BAYESFITNESS_BLOB_S3_BUCKET, _REGION, _ENDPOINT, _PREFIX, _PATH_STYLE: s3 driver settings
//	BAYESFITNESS_CATALOG_DRIVER: memory|sqlite|postgres (default sqlite)
//	BAYESFITNESS_SQLITE_PATH: sqlite catalog file (default ./bayesfitness.db)
//	BAYESFITNESS_POSTGRES_DSN: postgres DSN when the catalog driver is postgres
//	BAYESFITNESS_LOG_LEVEL: debug|info|warn|error (default info)
func FromEnv() Env {
	driver := blob.Driver(strings.ToLower(os.Getenv("BAYESFITNESS_BLOB_DRIVER")))
	if driver == "" {
		driver = blob.DriverFilesystem
	}
	catalogDriver := catalog.Driver(strings.ToLower(os.Getenv("BAYESFITNESS_CATALOG_DRIVER")))
	if catalogDriver == "" {
		catalogDriver = catalog.DriverSQLite
	}
	return Env{
		Blob: blob.Config{
			Driver: driver,
			FSRoot: os.Getenv("BAYESFITNESS_BLOB_FS_ROOT"),
			S3: blob.S3Config{
				Bucket:    os.Getenv("BAYESFITNESS_BLOB_S3_BUCKET"),
				Region:    os.Getenv("BAYESFITNESS_BLOB_S3_REGION"),
				Endpoint:  os.Getenv("BAYESFITNESS_BLOB_S3_ENDPOINT"),
				Prefix:    os.Getenv("BAYESFITNESS_BLOB_S3_PREFIX"),
				PathStyle: strings.EqualFold(os.Getenv("BAYESFITNESS_BLOB_S3_PATH_STYLE"), "true"),
			},
		},
		Catalog: catalog.Config{
			Driver:      catalogDriver,
			SQLitePath:  os.Getenv("BAYESFITNESS_SQLITE_PATH"),
			PostgresDSN: os.Getenv("BAYESFITNESS_POSTGRES_DSN"),
		},
		LogLevel: os.Getenv("BAYESFITNESS_LOG_LEVEL"),
	}
}
