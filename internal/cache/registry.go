package cache

import "fmt"

// 支持的存储驱动。
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// OpenRegistry 根据驱动名构建 Registry，basePath 对 memory 驱动无效。
func OpenRegistry(driver, basePath string) (Registry, error) {
	switch driver {
	case "", DriverFS:
		return NewFSRegistry(basePath)
	case DriverSQLite:
		return NewSQLiteRegistry(basePath)
	case DriverMemory:
		return NewMemoryRegistry(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
