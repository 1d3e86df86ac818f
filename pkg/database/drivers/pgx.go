package drivers

import (
	// Registers "pgx" with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
)
