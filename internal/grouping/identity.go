package grouping

import (
	"regexp"
	"strings"

	"intake-agent-go/internal/types"
)

// KeyKind 身份键的种类，数值越小优先级越高
type KeyKind int

const (
	KeyEmail KeyKind = iota
	KeyPhone
	KeyName
	KeyNone
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// NormalizeEmail 规范化邮箱: 去首尾空白并小写
// 未通过语法检查的输入返回空串
func NormalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || !emailPattern.MatchString(email) {
		return ""
	}
	return email
}

// NormalizePhone 规范化电话号码为纯数字
// 剥离所有非数字字符；11位且以0开头的号码视为英国本地写法，
// 将国内长途前缀0改写为国家码44；最终位数不在10-15之间返回空串
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) == 11 && strings.HasPrefix(digits, "0") {
		digits = "44" + digits[1:]
	}

	if len(digits) < 10 || len(digits) > 15 {
		return ""
	}
	return digits
}

// NormalizeName 规范化姓名: 小写、去掉非字母数字字符、折叠空白
func NormalizeName(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// PriorityKey 计算文件的优先身份键: 邮箱优先于电话，电话优先于姓名
// 三者皆无可用值时返回KeyNone
func PriorityKey(profile types.QuickProfile) (string, KeyKind) {
	if email := NormalizeEmail(profile.Email); email != "" {
		return email, KeyEmail
	}
	if phone := NormalizePhone(profile.Phone); phone != "" {
		return phone, KeyPhone
	}
	if name := NormalizeName(profile.FullName); name != "" {
		return name, KeyName
	}
	return "", KeyNone
}
