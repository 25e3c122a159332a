// Package settle 实现支付订单的编排：金额计算、状态机流转、
// 远端结算调用以及基于消息队列的对账回查。
package settle
