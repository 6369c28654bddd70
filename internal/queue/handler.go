package queue

import (
	"context"

	"github.com/apk-analysis/apk-behavior-go/internal/service"
)

// AnalysisHandler 将消息交给分析服务：带任务 ID 的执行已创建任务，否则创建并执行新任务
func AnalysisHandler(svc service.AnalysisService) Handler {
	return func(ctx context.Context, msg *AnalysisMessage) error {
		if msg.TaskID != "" {
			return svc.Run(ctx, msg.TaskID)
		}
		_, err := svc.Analyze(ctx, msg.DumpPath, msg.Rules)
		return err
	}
}
