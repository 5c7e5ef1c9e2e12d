package mirror

import (
	"github.com/abadojack/whatlanggo"
)

// undetermined は言語を特定できなかった場合のコード。連合先ではid 0に対応する。
const undetermined = "und"

// detectionThreshold はwhatlanggoの信頼度の下限。これを下回る検出結果は採用しない。
const detectionThreshold = 0.6

// destLanguageIDs はISO 639-1コードから連合先の言語IDへの対応表。
// 連合先（Lemmy）のlanguageテーブルの既定割り当てに従う。
var destLanguageIDs = map[string]int{
	"de": 32,
	"en": 37,
	"es": 38,
	"fr": 47,
	"it": 66,
	"ja": 67,
	"ko": 78,
	"nl": 102,
	"pl": 117,
	"pt": 118,
	"ru": 122,
	"zh": 176,
}

// DetectLanguage はタイトルと本文から言語を推定し、ISO 639-1コードを返す。
// 信頼度が閾値未満の場合、または対応表にないスクリプトの場合はundを返す。
// ミラー処理を失敗させることはない。
func DetectLanguage(title, body string) string {
	text := title
	if body != "" {
		text += "\n" + body
	}
	if text == "" {
		return undetermined
	}

	info := whatlanggo.Detect(text)
	if info.Confidence < detectionThreshold {
		return undetermined
	}

	code := info.Lang.Iso6391()
	if code == "" {
		return undetermined
	}
	return code
}

// MapLanguage は検出済みの言語コードを連合先コミュニティの言語IDに変換する。
// コミュニティの許可集合に含まれない場合、または対応表にない場合はund（id 0）になる。
func MapLanguage(code string, allows func(string) bool) (string, int) {
	if code == undetermined || !allows(code) {
		return undetermined, 0
	}
	id, ok := destLanguageIDs[code]
	if !ok {
		return undetermined, 0
	}
	return code, id
}
