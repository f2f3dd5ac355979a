// Package language normalizes the language codes that appear on case
// documents and translation results.
//
// Inputs may be ISO 639-1 or 639-2 codes, BCP 47 tags such as "es-MX", or
// English language names as typed by operators ("Spanish", "Haitian
// Creole"). Everything is reduced to the ISO 639-1 base language when one
// exists so translation results compare reliably.
package language
