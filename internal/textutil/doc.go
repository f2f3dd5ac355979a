// Package textutil compares texts produced by repeated model evaluations.
//
// Texts are reduced to term-frequency fingerprints (lowercased, split on
// anything that is not a letter or digit, tokens shorter than three runes
// dropped) and compared with cosine similarity. Agreement averages the
// pairwise similarity of several texts and is used as an extra confidence
// signal when a result is sampled more than once.
package textutil
