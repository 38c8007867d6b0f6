// disk_usage_windows.go — на windows ёмкость диска не определяется,
// блок disk в /api/health не формируется.
package main

import "errors"

func getDiskUsage(string) (total, used, available int64, err error) {
	return 0, 0, 0, errors.New("определение ёмкости диска не поддерживается на windows")
}
