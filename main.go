package main

import (
	"maskpipe/cmd"

	_ "github.com/lib/pq"
	_ "github.com/snowflakedb/gosnowflake"
)

func main() {
	cmd.Execute()
}
