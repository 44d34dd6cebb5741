package tui

// Supported locales: "en" (default) and "zh".

var currentLocale = "en"

// SetLocale changes the active locale.
func SetLocale(locale string) {
	if _, ok := locales[locale]; ok {
		currentLocale = locale
	}
}

// CurrentLocale returns the active locale code.
func CurrentLocale() string {
	return currentLocale
}

// ToggleLocale switches between en and zh.
func ToggleLocale() {
	if currentLocale == "zh" {
		currentLocale = "en"
	} else {
		currentLocale = "zh"
	}
}

// T returns the translated string for key, falling back to English and then
// to the key itself.
func T(key string) string {
	if m, ok := locales[currentLocale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if v, ok := enStrings[key]; ok {
		return v
	}
	return key
}

var locales = map[string]map[string]string{
	"zh": zhStrings,
	"en": enStrings,
}

var enStrings = map[string]string{
	"app_title":  "Mission Control",
	"loading":    "Restoring session...",
	"tagline":    "Your desktop command center for managing long-running AI agents.",
	"welcome":    "Welcome to Mission Control",
	"signed_in":  "Signed in as %s",
	"quit_hint":  "q quit • L language",
	"status_api": "API %s",

	"login_title":        "Sign in",
	"login_google":       "Sign in with Google",
	"login_dev":          "Development sign-in",
	"login_dev_prompt":   "Email: ",
	"login_waiting":      "Waiting for you to finish in the browser...",
	"login_exchanging":   "Completing sign-in...",
	"login_open_url":     "If the browser did not open, visit:",
	"login_copy_hint":    "c copy link • esc cancel",
	"login_copied":       "Link copied to clipboard",
	"login_copy_failed":  "Copy failed",
	"login_cancelled":    "Sign-in cancelled",
	"login_help":         "enter sign in • tab switch • q quit",
	"login_email_needed": "Enter an email address",

	"menu_title":    "Account",
	"menu_sign_out": "Sign out",
	"menu_help":     "enter sign out • esc close",
	"home_help":     "u account • r reload keys • ↑/↓ select • d delete • tab activity • q quit",

	"keys_title":        "Credentials",
	"keys_loading":      "Loading credentials...",
	"keys_empty":        "No credentials stored yet.",
	"keys_error":        "Could not load credentials: %s",
	"keys_confirm":      "Delete %s? (y/n)",
	"keys_deleted":      "Deleted %s",
	"keys_unavailable":  "Credentials are unavailable",
	"activity_title":    "Activity",
	"activity_empty":    "No activity yet.",
	"realtime_live":     "live",
	"realtime_offline":  "offline",
	"health_connecting": "Connecting...",
}

var zhStrings = map[string]string{
	"app_title":  "Mission Control",
	"loading":    "正在恢复会话...",
	"tagline":    "管理长时间运行的 AI 智能体的桌面指挥中心。",
	"welcome":    "欢迎使用 Mission Control",
	"signed_in":  "已登录：%s",
	"quit_hint":  "q 退出 • L 语言",
	"status_api": "API %s",

	"login_title":        "登录",
	"login_google":       "使用 Google 登录",
	"login_dev":          "开发环境登录",
	"login_dev_prompt":   "邮箱：",
	"login_waiting":      "请在浏览器中完成登录...",
	"login_exchanging":   "正在完成登录...",
	"login_open_url":     "如果浏览器没有打开，请访问：",
	"login_copy_hint":    "c 复制链接 • esc 取消",
	"login_copied":       "链接已复制",
	"login_copy_failed":  "复制失败",
	"login_cancelled":    "已取消登录",
	"login_help":         "enter 登录 • tab 切换 • q 退出",
	"login_email_needed": "请输入邮箱地址",

	"menu_title":    "账户",
	"menu_sign_out": "退出登录",
	"menu_help":     "enter 退出登录 • esc 关闭",
	"home_help":     "u 账户 • r 刷新密钥 • ↑/↓ 选择 • d 删除 • tab 活动 • q 退出",

	"keys_title":        "凭据",
	"keys_loading":      "正在加载凭据...",
	"keys_empty":        "尚未保存任何凭据。",
	"keys_error":        "无法加载凭据：%s",
	"keys_confirm":      "删除 %s？(y/n)",
	"keys_deleted":      "已删除 %s",
	"keys_unavailable":  "凭据不可用",
	"activity_title":    "活动",
	"activity_empty":    "暂无活动。",
	"realtime_live":     "在线",
	"realtime_offline":  "离线",
	"health_connecting": "连接中...",
}
