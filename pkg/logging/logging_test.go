package logging

import (
	"context"
	"log/slog"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSetLevel(t *testing.T) {
	Convey("TestSetLevel", t, func() {
		ctx := context.Background()
		So(Init(Config{Level: "info", Format: "text", Output: "stdout"}), ShouldBeNil)

		Convey("初始化后按配置级别过滤", func() {
			So(Level(), ShouldEqual, slog.LevelInfo)
			So(Get().Enabled(ctx, slog.LevelDebug), ShouldBeFalse)
			So(Get().Enabled(ctx, slog.LevelInfo), ShouldBeTrue)
		})

		Convey("运行中调级别对已创建的 logger 立即生效", func() {
			logger := Get()
			SetLevel("debug")
			So(Level(), ShouldEqual, slog.LevelDebug)
			So(logger.Enabled(ctx, slog.LevelDebug), ShouldBeTrue)

			SetLevel("error")
			So(logger.Enabled(ctx, slog.LevelWarn), ShouldBeFalse)
		})

		Convey("未知级别回落到 info", func() {
			SetLevel("verbose")
			So(Level(), ShouldEqual, slog.LevelInfo)
		})
	})
}
