// Command authsvc は認証セッションサービスを起動する。
//
// サブコマンド:
//
//	serve       APIサーバー（デフォルト）
//	worker      セッションクリーンアップジョブ
//	migrate     データベースマイグレーション
//	healthcheck /health へのヘルスチェック（distroless用）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/authsvc/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "authsvc: %v\n", err)
		os.Exit(1)
	}
}
