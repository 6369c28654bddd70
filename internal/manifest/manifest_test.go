package manifest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleXMLTree = `N: android=http://schemas.android.com/apk/res/android (line=2)
  E: manifest (line=2)
    A: http://schemas.android.com/apk/res/android:versionCode(0x0101021b)=1
    A: package="com.example.wifi" (Raw: "com.example.wifi")
    E: uses-permission (line=7)
      A: http://schemas.android.com/apk/res/android:name(0x01010003)="android.permission.INTERNET" (Raw: "android.permission.INTERNET")
    E: application (line=9)
      A: http://schemas.android.com/apk/res/android:name(0x01010003)="com.example.wifi.App" (Raw: "com.example.wifi.App")
      E: activity (line=12)
        A: http://schemas.android.com/apk/res/android:name(0x01010003)="com.example.wifi.MainActivity" (Raw: "com.example.wifi.MainActivity")
      E: activity (line=15)
        A: http://schemas.android.com/apk/res/android:name(0x01010003)="com.example.wifi.LauncherActivity" (Raw: "com.example.wifi.LauncherActivity")
        E: intent-filter (line=16)
          E: action (line=17)
            A: http://schemas.android.com/apk/res/android:name(0x01010003)="android.intent.action.MAIN" (Raw: "android.intent.action.MAIN")
          E: category (line=18)
            A: http://schemas.android.com/apk/res/android:name(0x01010003)="android.intent.category.LAUNCHER" (Raw: "android.intent.category.LAUNCHER")
      E: activity (line=22)
        A: http://schemas.android.com/apk/res/android:name(0x01010003)="com.example.wifi.HiddenActivity" (Raw: "com.example.wifi.HiddenActivity")
        A: http://schemas.android.com/apk/res/android:exported(0x01010010)=false
        E: intent-filter (line=24)
          E: action (line=25)
            A: http://schemas.android.com/apk/res/android:name(0x01010003)="com.example.wifi.HIDDEN" (Raw: "com.example.wifi.HIDDEN")
      E: activity (line=28)
        A: android:name(0x01010003)="com.example.wifi.LegacyActivity" (Raw: "com.example.wifi.LegacyActivity")
        A: android:exported(0x01010010)=(type 0x12)0xffffffff
`

// TestParseXMLTree 测试解析 aapt2 xmltree 输出
func TestParseXMLTree(t *testing.T) {
	m, err := ParseXMLTree(sampleXMLTree)
	require.NoError(t, err)

	assert.Equal(t, "com.example.wifi", m.Package)
	require.Len(t, m.Activities, 4)

	main := m.Activities[0]
	assert.Equal(t, "com.example.wifi.MainActivity", main.String())
	assert.False(t, main.HasIntentFilter())
	assert.False(t, main.IsExported())
	assert.Nil(t, main.Exported)

	launcher := m.Activities[1]
	require.True(t, launcher.HasIntentFilter())
	assert.True(t, launcher.IsExported(), "Intent filter implies exported when not declared")
	assert.Equal(t, []string{"android.intent.action.MAIN"}, launcher.IntentFilters[0].Actions)
	assert.Equal(t, []string{"android.intent.category.LAUNCHER"}, launcher.IntentFilters[0].Categories)

	hidden := m.Activities[2]
	assert.True(t, hidden.HasIntentFilter())
	assert.False(t, hidden.IsExported(), "Explicit exported=false wins over intent filter")

	legacy := m.Activities[3]
	assert.True(t, legacy.IsExported())
}

// TestActivity_NoIntentFilter 测试未声明 intent-filter 的组件
func TestActivity_NoIntentFilter(t *testing.T) {
	m, err := ParseXMLTree(`  E: manifest (line=2)
    A: package="com.example.plain"
    E: application (line=3)
      E: activity (line=4)
        A: android:name(0x01010003)="com.example.plain.Only"
`)
	require.NoError(t, err)
	require.Len(t, m.Activities, 1)

	assert.False(t, m.Activities[0].HasIntentFilter())
	assert.False(t, m.Activities[0].IsExported())
}

// TestParseXMLTree_Empty 测试空输出
func TestParseXMLTree_Empty(t *testing.T) {
	m, err := ParseXMLTree("")
	require.NoError(t, err)
	assert.Empty(t, m.Package)
	assert.Empty(t, m.Activities)
}

// TestExtractor_GetActivities 测试通过外部命令提取 Activity
func TestExtractor_GetActivities(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub requires a POSIX shell")
	}

	dir := t.TempDir()
	output := filepath.Join(dir, "xmltree.txt")
	require.NoError(t, os.WriteFile(output, []byte(sampleXMLTree), 0o644))
	script := filepath.Join(dir, "aapt2")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat "+output+"\n"), 0o755))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	extractor := NewExtractor(script, logger)

	activities, err := extractor.GetActivities(context.Background(), "app.apk")
	require.NoError(t, err)
	assert.Len(t, activities, 4)
}

// TestExtractor_CommandFailed 测试外部命令失败
func TestExtractor_CommandFailed(t *testing.T) {
	logger := logrus.New()
	extractor := NewExtractor(filepath.Join(t.TempDir(), "missing-aapt2"), logger)

	_, err := extractor.Extract(context.Background(), "app.apk")
	assert.Error(t, err)
}
