package config

import "errors"

var (
	// ErrInvalidStoreDriver indicates STORE_DRIVER is neither "postgres" nor "bolt".
	ErrInvalidStoreDriver = errors.New("config: invalid store driver (must be \"postgres\" or \"bolt\")")

	// ErrMissingDatabaseURL indicates the postgres driver was chosen without DATABASE_URL.
	ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required for the postgres store")

	// ErrMissingBoltPath indicates the bolt driver was chosen without BOLT_PATH.
	ErrMissingBoltPath = errors.New("config: BOLT_PATH is required for the bolt store")

	// ErrMissingServiceToken indicates the ops API has no token to check against.
	ErrMissingServiceToken = errors.New("config: SERVICE_TOKEN must not be empty")

	// ErrInvalidListenAddr indicates the listen address is malformed.
	ErrInvalidListenAddr = errors.New("config: invalid listen address")

	// ErrInvalidInterval indicates a non-positive or inconsistent duration.
	ErrInvalidInterval = errors.New("config: invalid interval")

	// ErrInvalidRate indicates a currency yield rate is not positive.
	ErrInvalidRate = errors.New("config: rate must be positive")

	// ErrInvalidPrecision indicates a currency precision outside 0..18.
	ErrInvalidPrecision = errors.New("config: precision must be between 0 and 18")

	// ErrInvalidWorkers indicates a non-positive worker or failure threshold count.
	ErrInvalidWorkers = errors.New("config: worker counts must be positive")

	// ErrInvalidReadCheckMode indicates READ_CHECK_MODE is not recognized.
	ErrInvalidReadCheckMode = errors.New("config: invalid read check mode (must be \"off\", \"report\", or \"repair\")")

	// ErrInvalidEpsilon indicates a negative reconcile tolerance.
	ErrInvalidEpsilon = errors.New("config: reconcile epsilon must not be negative")

	// ErrEmptySchedule indicates a commission schedule with no levels.
	ErrEmptySchedule = errors.New("config: commission schedule must have at least one level")

	// ErrInvalidValue indicates an environment variable could not be parsed.
	ErrInvalidValue = errors.New("config: invalid value")
)
